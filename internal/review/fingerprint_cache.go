// Package review is the Review Fingerprint Cache (C8) and Code Review
// Engine (C9): a per-MR cache of clean-content fingerprints, and the
// diff×rule pipeline that produces and consults it.
package review

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store"
)

// collection is the store.KVStore collection name for fingerprint cache
// documents.
const collection = "review_fingerprint_caches"

// unsafeDocIDChar matches any character outside [A-Za-z0-9_-], replaced
// with '_' when deriving a document id from a string project id (§4.7).
var unsafeDocIDChar = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// FingerprintCache is the durable per-MR set of clean fingerprints (C8),
// built on any store.KVStore.
type FingerprintCache struct {
	kv store.KVStore
}

// NewFingerprintCache wraps kv as a Review Fingerprint Cache.
func NewFingerprintCache(kv store.KVStore) *FingerprintCache {
	return &FingerprintCache{kv: kv}
}

// DocID derives the fingerprint cache document id from (projectID, mrIID):
// "proj_<safeProjectId>_mr_<mrIid>", with unsafe characters in a string
// project id replaced by '_'. Numeric project ids pass through unchanged
// since digits are already in [A-Za-z0-9_-].
func DocID(projectID string, mrIID int) string {
	safe := unsafeDocIDChar.ReplaceAllString(projectID, "_")
	return "proj_" + safe + "_mr_" + strconv.Itoa(mrIID)
}

// Get returns the fingerprint cache for (projectID, mrIID). An absent
// document, or one that fails to unmarshal, returns a fresh empty cache —
// never an error — matching §4.7's "an absent document or one whose shape
// is invalid returns a fresh empty cache".
func (c *FingerprintCache) Get(ctx context.Context, projectID string, mrIID int) (*models.FingerprintCache, error) {
	id := DocID(projectID, mrIID)
	raw, ok, err := c.kv.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &models.FingerprintCache{Fingerprints: []string{}}, nil
	}
	var cache models.FingerprintCache
	if err := json.Unmarshal(raw, &cache); err != nil {
		return &models.FingerprintCache{Fingerprints: []string{}}, nil
	}
	if cache.Fingerprints == nil {
		cache.Fingerprints = []string{}
	}
	return &cache, nil
}

// Update overwrites the fingerprint cache document for (projectID, mrIID)
// with fingerprints, unconditionally stamping LastUpdated = now().
func (c *FingerprintCache) Update(ctx context.Context, projectID string, mrIID int, fingerprints models.FingerprintSet) error {
	id := DocID(projectID, mrIID)
	cache := models.FingerprintCache{
		LastUpdated:  time.Now(),
		Fingerprints: fingerprints.ToSlice(),
	}
	mut, err := store.Put(collection, id, cache)
	if err != nil {
		return err
	}
	return c.kv.Apply(ctx, []store.Mutation{mut})
}
