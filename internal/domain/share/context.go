// Package share defines the shareable context: the authorization payload the
// backend returns in exchange for a long-lived shareable token.
package share

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Context is the authorization payload attached to an authenticated request.
// It is treated as an opaque credential: relaygate only reads Token (to call
// the backend on the holder's behalf), Type/ID and Channels (for broadcast
// fan-out). Fields the backend adds beyond these are kept in Extra and
// round-trip through JSON unchanged.
type Context struct {
	Token    string
	Type     string
	ID       string
	Channels []string
	Extra    map[string]any
}

// reserved lists the JSON keys owned by the typed fields.
var reserved = map[string]struct{}{
	"token":    {},
	"type":     {},
	"id":       {},
	"channels": {},
}

// HasChannel reports whether the context grants access to channel.
func (c *Context) HasChannel(channel string) bool {
	return c != nil && slices.Contains(c.Channels, channel)
}

// Clone returns a deep copy of c. Nil-safe.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := &Context{
		Token: c.Token,
		Type:  c.Type,
		ID:    c.ID,
	}
	if c.Channels != nil {
		out.Channels = slices.Clone(c.Channels)
	}
	if c.Extra != nil {
		out.Extra = cloneValue(c.Extra).(map[string]any)
	}
	return out
}

// MarshalJSON flattens Extra next to the typed fields.
func (c Context) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+4)
	for k, v := range c.Extra {
		if _, ok := reserved[k]; ok {
			continue
		}
		m[k] = v
	}
	m["token"] = c.Token
	m["type"] = c.Type
	m["id"] = c.ID
	if c.Channels != nil {
		m["channels"] = c.Channels
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the typed fields and keeps everything else in Extra.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("shareable context must be a JSON object")
	}

	var out Context
	if err := decodeField(raw, "token", &out.Token); err != nil {
		return err
	}
	if err := decodeField(raw, "type", &out.Type); err != nil {
		return err
	}
	if err := decodeField(raw, "id", &out.ID); err != nil {
		return err
	}
	if err := decodeField(raw, "channels", &out.Channels); err != nil {
		return err
	}

	for k, v := range raw {
		if _, ok := reserved[k]; ok {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = val
	}

	*c = out
	return nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := maps.Clone(t)
		for k, val := range out {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := slices.Clone(t)
		for i, val := range out {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
