package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracer_StartAndEnd_NoopWithoutProvider(t *testing.T) {
	tr := New("test")
	ctx, end := tr.Start(context.Background(), "op", map[string]any{"key": "value"})
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() { end(nil) })
}

func TestTracer_EndRecordsErrorWithoutPanicking(t *testing.T) {
	tr := New("test")
	_, end := tr.Start(context.Background(), "op", nil)
	assert.NotPanics(t, func() { end(errors.New("boom")) })
}
