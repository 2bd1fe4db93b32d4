package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformedFrame is returned when frame bytes cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrEncodeFailed is returned when a frame cannot be serialized.
	ErrEncodeFailed = errors.New("frame encode failed")
)

// The encoder uses canonical map ordering so structurally identical
// frames always produce identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
	decMode = dm
}

// Encode serializes a frame to its CBOR wire form.
func Encode(f *Frame) ([]byte, error) {
	data, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return data, nil
}

// Decode deserializes a frame from CBOR bytes. Truncated or structurally
// invalid input is rejected with ErrMalformedFrame.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedFrame)
	}

	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &f, nil
}
