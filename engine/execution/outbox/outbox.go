package outbox

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/onflow/flow-sidetask/engine/common/fifoqueue"
	"github.com/onflow/flow-sidetask/model/encoding"
)

// ErrOutboxFull is returned by Emit when the block already buffers the maximum number of
// messages.
var ErrOutboxFull = errors.New("outbox is full")

// Message is a follow-up message emitted while processing a block. Index is the position of the
// message among all messages emitted by the block.
type Message struct {
	Height  uint64
	Index   uint32
	Topic   string
	Payload []byte
}

// Outbox buffers the messages emitted while processing a single block. Messages only leave the
// outbox through Commit, which the host calls once the block is finalized; an aborted block
// calls Discard instead.
type Outbox struct {
	log     zerolog.Logger
	encoder encoding.Encoder
	height  uint64
	queue   *fifoqueue.FifoQueue
	emitted uint32
}

// New creates an empty outbox for the block at the given height. A positive capacity bounds
// the number of messages the block may emit.
func New(log zerolog.Logger, encoder encoding.Encoder, height uint64, capacity int) (*Outbox, error) {
	var opts []fifoqueue.ConstructorOption
	if capacity > 0 {
		opts = append(opts, fifoqueue.WithCapacity(capacity))
	}
	queue, err := fifoqueue.NewFifoQueue(opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create outbox queue: %w", err)
	}

	return &Outbox{
		log:     log.With().Str("component", "outbox").Uint64("height", height).Logger(),
		encoder: encoder,
		height:  height,
		queue:   queue,
	}, nil
}

// Emit encodes the payload and appends it to the outbox.
// Expected errors:
//   - ErrOutboxFull if the outbox is at capacity
//   - encoding errors if the payload cannot be encoded
func (o *Outbox) Emit(topic string, payload interface{}) error {
	b, err := o.encoder.Encode(payload)
	if err != nil {
		return fmt.Errorf("could not encode payload for topic %s: %w", topic, err)
	}

	msg := &Message{
		Height:  o.height,
		Index:   o.emitted,
		Topic:   topic,
		Payload: b,
	}
	if !o.queue.Push(msg) {
		return ErrOutboxFull
	}
	o.emitted++
	return nil
}

// Commit removes and returns all buffered messages in emission order.
func (o *Outbox) Commit() []Message {
	elements := o.queue.Drain()
	messages := make([]Message, 0, len(elements))
	for _, element := range elements {
		messages = append(messages, *element.(*Message))
	}
	o.log.Debug().Int("messages", len(messages)).Msg("outbox committed")
	return messages
}

// Discard drops all buffered messages and resets the emission index.
// Returns the number of dropped messages.
func (o *Outbox) Discard() int {
	dropped := len(o.queue.Drain())
	o.emitted = 0
	if dropped > 0 {
		o.log.Debug().Int("messages", dropped).Msg("outbox discarded")
	}
	return dropped
}

// Len returns the number of buffered messages.
func (o *Outbox) Len() int {
	return o.queue.Len()
}
