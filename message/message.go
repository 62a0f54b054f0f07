// Package message defines the structured message exchanged between two peers.
//
// A Message is the "envelope" for every event crossing the channel. It always carries a
// "type" field that selects the handlers on the receiving side, and, except for the
// handshake, a "peer_id" field naming the connection it is addressed to. The wire layer
// serializes it into one or more frames; the emitter routes it by type.
package message

import "fmt"

// Well-known keys.
const (
	KeyType           = "type"
	KeyPeerID         = "peer_id"
	KeyPluginID       = "plugin_id"
	KeyConfig         = "config"
	KeyAcceptEncoding = "accept_encoding"
	KeyCode           = "code"
	KeyError          = "error"
	KeyAPI            = "api"
)

// Well-known message types of the handshake and execution protocol.
const (
	TypeReady                = "imjoyRPCReady"        // Local → remote announcement, always plain
	TypeInitialize           = "initialize"           // Remote → local, carries accept_encoding
	TypeInitialized          = "initialized"          // Local → remote, RPC session is up
	TypeExecute              = "execute"              // Remote → local execution task
	TypeExecuted             = "executed"             // Local → remote execution result
	TypeSetInterface         = "setInterface"         // Interface advertisement
	TypeGetInterface         = "getInterface"         // Asks the remote to advertise again
	TypeInterfaceSetAsRemote = "interfaceSetAsRemote" // Acknowledges a setInterface
	TypeRemoteReady          = "remoteReady"
	TypeDisconnected         = "disconnected"
	TypeError                = "error"
)

// Message is a mapping from string keys to structured values.
//
//   - Type() selects the handlers on the receiving side.
//   - PeerID() must equal the receiver's own peer id for the message to be dispatched.
type Message map[string]any

// New creates a message of the given type.
func New(typ string) Message {
	return Message{KeyType: typ}
}

// Type returns the "type" field, or "" when missing or not a string.
func (m Message) Type() string {
	s, _ := m[KeyType].(string)
	return s
}

// PeerID returns the "peer_id" field, or "" when missing.
func (m Message) PeerID() string {
	s, _ := m[KeyPeerID].(string)
	return s
}

// String returns the string value stored under key.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Map returns the nested map stored under key, or nil.
func (m Message) Map(key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case Message:
		return v
	}
	return nil
}

// Strings returns the string list stored under key. A single string is returned as a
// one-element list; non-string elements are skipped.
func (m Message) Strings(key string) []string {
	return ToStrings(m[key])
}

// Clone returns a shallow copy so that stamping addressing fields does not mutate the
// caller's message.
func (m Message) Clone() Message {
	out := make(Message, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate checks that the message has a non-empty type.
func (m Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message: nil message")
	}
	if m.Type() == "" {
		return fmt.Errorf("message: missing %q field", KeyType)
	}
	return nil
}

// ToStrings converts a decoded list value ([]any, []string or a bare string) to []string.
func ToStrings(v any) []string {
	switch vv := v.(type) {
	case string:
		return []string{vv}
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
