package outbox

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/onflow/flow-sidetask/model/encoding"
)

// BlockContext is the execution context a host hands to side task callbacks. Callbacks read the
// height and emit follow-up messages through the outbox; they must not retain it beyond the call.
type BlockContext struct {
	Height uint64
	Outbox *Outbox
}

func NewBlockContext(log zerolog.Logger, encoder encoding.Encoder, height uint64, capacity int) (*BlockContext, error) {
	box, err := New(log, encoder, height, capacity)
	if err != nil {
		return nil, err
	}
	return &BlockContext{
		Height: height,
		Outbox: box,
	}, nil
}

// FromExecutionContext extracts the block context handed to a callback.
func FromExecutionContext(execCtx interface{}) (*BlockContext, error) {
	blockCtx, ok := execCtx.(*BlockContext)
	if !ok || blockCtx == nil {
		return nil, fmt.Errorf("unexpected execution context type %T", execCtx)
	}
	return blockCtx, nil
}
