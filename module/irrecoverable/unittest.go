package irrecoverable

import (
	"context"
	"testing"
)

// MockSignalerContext is a SignalerContext which fails the test when an error is thrown.
type MockSignalerContext struct {
	context.Context
	t           *testing.T
	expectError error
}

var _ SignalerContext = &MockSignalerContext{}

func (m MockSignalerContext) sealed() {}

func (m MockSignalerContext) Throw(err error) {
	if m.expectError != nil && err.Error() == m.expectError.Error() {
		return
	}
	m.t.Fatalf("mock signaler context received error: %v", err)
}

func NewMockSignalerContext(t *testing.T, ctx context.Context) *MockSignalerContext {
	return &MockSignalerContext{
		Context: ctx,
		t:       t,
	}
}

// NewMockSignalerContextWithCancel creates a new MockSignalerContext with a cancel function.
func NewMockSignalerContextWithCancel(t *testing.T, parent context.Context) (*MockSignalerContext, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return NewMockSignalerContext(t, ctx), cancel
}
