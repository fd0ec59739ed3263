// Package ws is the WebSocket inbound adapter. It upgrades HTTP requests,
// runs one sequential read loop per connection that feeds the connection
// lifecycle, and holds the live connection handles the lifecycle and the
// broadcast service push frames to.
package ws
