// Command relaygate runs the HTTP and WebSocket request broker.
package main

import "github.com/relaygate/relaygate/cmd/relaygate/cmd"

func main() {
	cmd.Execute()
}
