package review

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store"
	"github.com/agentflow/runtime/internal/store/memstore"
)

func TestDocID_NumericPassesThrough(t *testing.T) {
	assert.Equal(t, "proj_42_mr_7", DocID("42", 7))
}

func TestDocID_StringSanitizesUnsafeChars(t *testing.T) {
	assert.Equal(t, "proj_group_sub-project_mr_3", DocID("group/sub-project", 3))
}

func TestFingerprintCache_Get_AbsentReturnsFreshEmptyCache(t *testing.T) {
	c := NewFingerprintCache(memstore.New())
	got, err := c.Get(context.Background(), "42", 1)
	require.NoError(t, err)
	assert.Empty(t, got.Fingerprints)
	assert.True(t, got.LastUpdated.IsZero())
}

func TestFingerprintCache_UpdateThenGet_RoundTrips(t *testing.T) {
	c := NewFingerprintCache(memstore.New())
	ctx := context.Background()

	set := models.FingerprintSet{"fp-a": {}, "fp-b": {}}
	require.NoError(t, c.Update(ctx, "42", 1, set))

	got, err := c.Get(ctx, "42", 1)
	require.NoError(t, err)
	assert.False(t, got.LastUpdated.IsZero())
	assert.ElementsMatch(t, []string{"fp-a", "fp-b"}, got.Fingerprints)
}

func TestFingerprintCache_Get_InvalidShapeReturnsFreshEmptyCache(t *testing.T) {
	kv := memstore.New()
	c := NewFingerprintCache(kv)
	ctx := context.Background()

	// A document whose "fingerprints" field is the wrong JSON shape
	// should not error Get — it should fall back to an empty cache.
	mut := store.Mutation{
		Collection: collection,
		ID:         DocID("42", 1),
		Data:       json.RawMessage(`{"fingerprints": "not-an-array"}`),
	}
	require.NoError(t, kv.Apply(ctx, []store.Mutation{mut}))

	got, err := c.Get(ctx, "42", 1)
	require.NoError(t, err)
	assert.Empty(t, got.Fingerprints)
}
