package review

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store"
)

// configCollection is the store.KVStore collection name for
// CodeReviewConfig documents (§3.5, §6.1 CodeReviewConfigStore).
const configCollection = "code_review_configs"

// ConfigStore is the CodeReviewConfigStore repository (§6.1): durable rule
// definitions the engine's unit-enumeration step consults.
type ConfigStore struct {
	kv store.KVStore
}

// NewConfigStore wraps kv as a CodeReviewConfigStore.
func NewConfigStore(kv store.KVStore) *ConfigStore {
	return &ConfigStore{kv: kv}
}

// Save upserts a rule.
func (s *ConfigStore) Save(ctx context.Context, cfg *models.CodeReviewConfig) error {
	mut, err := store.Put(configCollection, cfg.ID, cfg)
	if err != nil {
		return err
	}
	return s.kv.Apply(ctx, []store.Mutation{mut})
}

// Get loads one rule by id.
func (s *ConfigStore) Get(ctx context.Context, id string) (*models.CodeReviewConfig, error) {
	raw, ok, err := s.kv.Get(ctx, configCollection, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	var cfg models.CodeReviewConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListEnabled returns every enabled rule, sorted by id for deterministic
// unit-enumeration order.
func (s *ConfigStore) ListEnabled(ctx context.Context) ([]models.CodeReviewConfig, error) {
	docs, err := s.kv.List(ctx, configCollection)
	if err != nil {
		return nil, err
	}
	out := make([]models.CodeReviewConfig, 0, len(docs))
	for _, raw := range docs {
		var cfg models.CodeReviewConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			continue
		}
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes a rule.
func (s *ConfigStore) Delete(ctx context.Context, id string) error {
	return s.kv.Apply(ctx, []store.Mutation{store.DeleteMutation(configCollection, id)})
}
