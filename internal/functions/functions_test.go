package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFn struct{ name string }

func (f fakeFn) Schema() Schema { return Schema{Name: f.name} }
func (f fakeFn) Call(_ context.Context, _ []string) (string, error) { return f.name, nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(agentID string) Function { return fakeFn{name: "echo:" + agentID} })

	ctor, ok := r.Get("echo")
	require.True(t, ok)
	fn := ctor("agent-1")
	out, err := fn.Call(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo:agent-1", out)
}

func TestRegistry_RebuildCapabilities_SkipsUnknownNames(t *testing.T) {
	r := NewRegistry()
	r.Register("known", func(agentID string) Function { return fakeFn{name: "known"} })

	fns := r.RebuildCapabilities("agent-1", []string{"known", "missing"})
	require.Len(t, fns, 1)
	assert.Equal(t, "known", fns[0].Schema().Name)
}

func TestRegistry_MustGet_PanicsOnMissing(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.MustGet("missing") })
}
