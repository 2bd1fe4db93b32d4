package protocol

// DAC (Decentralized Agent Communication) descriptors. These are value
// shapes exchanged between agents describing the data channels an agent
// offers; settlement of channel pricing is out of scope here.

// ChannelType describes the direction of a data channel.
type ChannelType string

const (
	ChannelInput         ChannelType = "input"
	ChannelOutput        ChannelType = "output"
	ChannelBidirectional ChannelType = "bidirectional"
)

// DACConfig describes a DAC and its channels.
type DACConfig struct {
	// ID uniquely identifies the DAC.
	ID string `json:"id"`

	// Owner is the owning agent's address.
	Owner string `json:"owner"`

	Metadata DACMetadata   `json:"metadata"`
	Channels []DataChannel `json:"channels"`
}

// DACMetadata is human-facing DAC information.
type DACMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags"`
}

// DataChannel defines one channel a DAC exposes.
type DataChannel struct {
	ID           string      `json:"id"`
	ChannelType  ChannelType `json:"channelType"`
	PricePerByte uint64      `json:"pricePerByte"`
	PricePerMsg  uint64      `json:"pricePerMsg"`
}
