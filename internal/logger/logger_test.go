package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpID(t *testing.T) {
	assert.Empty(t, OpID(context.Background()))

	ctx := ContextWithOpID(context.Background(), "op-1")
	assert.Equal(t, "op-1", OpID(ctx))
}

func TestWithContextAddsOpID(t *testing.T) {
	var buf bytes.Buffer
	mu.Lock()
	prev := defaultLogger
	defaultLogger = New(&buf, "debug", false)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = prev
		mu.Unlock()
	})

	WithContext(ContextWithOpID(context.Background(), "op-1")).Info("publish")
	assert.Contains(t, buf.String(), "op_id=op-1")

	buf.Reset()
	WithContext(context.Background()).Info("publish")
	assert.NotContains(t, buf.String(), "op_id")
}
