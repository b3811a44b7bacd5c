package cbor

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/onflow/flow-sidetask/model/encoding"
)

// EncMode is the encoding mode shared by every replica. Canonical options sort map keys and use
// the shortest encodings, so equal values always encode to equal bytes.
var EncMode = func() cbor.EncMode {
	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("could not build canonical cbor encoding mode: %w", err))
	}
	return encMode
}()

// DecMode rejects duplicate map keys, so that a message has exactly one decoded form.
var DecMode = func() cbor.DecMode {
	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
		MaxNestedLevels:  256,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("could not build cbor decoding mode: %w", err))
	}
	return decMode
}()

var _ encoding.Encoder = (*Encoder)(nil)

// Encoder is a deterministic CBOR encoder.
type Encoder struct{}

// NewEncoder returns a new CBOR encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Encode(val interface{}) ([]byte, error) {
	b, err := EncMode.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("could not encode value as cbor: %w", err)
	}
	return b, nil
}

func (e *Encoder) Decode(b []byte, val interface{}) error {
	err := DecMode.Unmarshal(b, val)
	if err != nil {
		return fmt.Errorf("could not decode cbor into %T: %w", val, err)
	}
	return nil
}

func (e *Encoder) MustEncode(val interface{}) []byte {
	b, err := e.Encode(val)
	if err != nil {
		panic(err)
	}
	return b
}

func (e *Encoder) MustDecode(b []byte, val interface{}) {
	err := e.Decode(b, val)
	if err != nil {
		panic(err)
	}
}
