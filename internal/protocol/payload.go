package protocol

import "encoding/json"

// Frame payloads that carry structure do so as JSON inside the opaque
// payload bytes. The relay never parses anything except Connect.

// ConnectPayload announces an agent's public keys to the relay.
type ConnectPayload struct {
	// EdPub is the hex-encoded Ed25519 signing public key.
	EdPub string `json:"edPub"`

	// XPub is the hex-encoded X25519 key-agreement public key.
	XPub string `json:"xPub"`
}

// AckPayload is the relay's response to a Connect.
type AckPayload struct {
	// RelayXPub is the hex-encoded X25519 public key of the relay.
	RelayXPub string `json:"relayXPub"`
}

// StreamPayload is the body of a broadcast Stream frame.
type StreamPayload struct {
	ChannelID string `json:"channelId"`
	Data      []byte `json:"data"`
}

// MarshalJSONPayload encodes a payload struct to bytes for a frame.
func MarshalJSONPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalJSONPayload decodes frame payload bytes into a payload struct.
func UnmarshalJSONPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
