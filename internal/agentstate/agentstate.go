// Package agentstate is the Agent State Store (C6, §4.3): durable save,
// partial-write state transitions, and the user-scoped list/listRunning/
// delete operations the HTTP surface and the Runner both depend on.
package agentstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/functions"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store"
)

const collection = "agent_contexts"

// Store is the Agent State Store, built on any store.KVStore.
type Store struct {
	kv store.KVStore
}

// New wraps kv as an AgentStateStore.
func New(kv store.KVStore) *Store {
	return &Store{kv: kv}
}

// Save persists ctx. When ParentAgentID is set this is a transactional
// two-write (§4.3): the parent is read first and must exist, ctx.AgentID is
// added to its ChildAgents, and both documents are written in one atomic
// Apply batch.
func (s *Store) Save(ctx context.Context, agentCtx *models.AgentContext) error {
	if agentCtx.ParentAgentID == nil {
		mut, err := store.Put(collection, agentCtx.AgentID, agentCtx)
		if err != nil {
			return fmt.Errorf("marshal agent context %s: %w", agentCtx.AgentID, err)
		}
		return s.kv.Apply(ctx, []store.Mutation{mut})
	}

	parentID := *agentCtx.ParentAgentID
	parentDoc, ok, err := s.kv.Get(ctx, collection, parentID)
	if err != nil {
		return fmt.Errorf("get parent agent context %s: %w", parentID, err)
	}
	if !ok {
		return apperrors.ErrParentMissing
	}

	var parent models.AgentContext
	if err := json.Unmarshal(parentDoc, &parent); err != nil {
		return fmt.Errorf("unmarshal parent agent context %s: %w", parentID, err)
	}

	alreadyChild := false
	for _, id := range parent.ChildAgents {
		if id == agentCtx.AgentID {
			alreadyChild = true
			break
		}
	}
	if !alreadyChild {
		parent.ChildAgents = append(parent.ChildAgents, agentCtx.AgentID)
	}

	parentMut, err := store.Put(collection, parent.AgentID, &parent)
	if err != nil {
		return fmt.Errorf("marshal parent agent context %s: %w", parent.AgentID, err)
	}
	childMut, err := store.Put(collection, agentCtx.AgentID, agentCtx)
	if err != nil {
		return fmt.Errorf("marshal agent context %s: %w", agentCtx.AgentID, err)
	}

	return s.kv.Apply(ctx, []store.Mutation{parentMut, childMut})
}

// UpdateState performs a partial write of State and LastUpdate only, then
// mutates the in-memory agentCtx to match once the write succeeds (§4.3:
// "the in-memory ctx is mutated after the write succeeds"). Since KVStore
// has no partial-document update primitive, the "partial write" is realized
// as a read-modify-write of just those two fields, leaving the rest of the
// stored document untouched by any concurrent writer's perspective.
func (s *Store) UpdateState(ctx context.Context, agentCtx *models.AgentContext, newState models.AgentState) error {
	doc, ok, err := s.kv.Get(ctx, collection, agentCtx.AgentID)
	if err != nil {
		return fmt.Errorf("get agent context %s: %w", agentCtx.AgentID, err)
	}
	if !ok {
		return apperrors.ErrNotFound
	}

	var stored models.AgentContext
	if err := json.Unmarshal(doc, &stored); err != nil {
		return fmt.Errorf("unmarshal agent context %s: %w", agentCtx.AgentID, err)
	}

	now := time.Now()
	stored.State = newState
	stored.LastUpdate = now

	mut, err := store.Put(collection, stored.AgentID, &stored)
	if err != nil {
		return fmt.Errorf("marshal agent context %s: %w", stored.AgentID, err)
	}
	if err := s.kv.Apply(ctx, []store.Mutation{mut}); err != nil {
		return err
	}

	agentCtx.State = newState
	agentCtx.LastUpdate = now
	return nil
}

// Load returns the full context for id, or apperrors.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*models.AgentContext, error) {
	doc, ok, err := s.kv.Get(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("get agent context %s: %w", id, err)
	}
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	var agentCtx models.AgentContext
	if err := json.Unmarshal(doc, &agentCtx); err != nil {
		return nil, fmt.Errorf("unmarshal agent context %s: %w", id, err)
	}
	return &agentCtx, nil
}

// List returns the summary projection for userID, ordered by LastUpdate
// descending.
func (s *Store) List(ctx context.Context, userID string) ([]models.AgentSummary, error) {
	all, err := s.loadAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastUpdate.After(all[j].LastUpdate) })
	return toSummaries(all), nil
}

// ListRunning returns the summary projection for userID restricted to
// non-terminal states, ordered by (state ascending, lastUpdate descending)
// — §5's documented quirk, preserved here even though this store has no
// inequality-filter constraint of its own, so behavior matches a portable
// document-store deployment.
func (s *Store) ListRunning(ctx context.Context, userID string) ([]models.AgentSummary, error) {
	all, err := s.loadAllForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	running := all[:0]
	for _, a := range all {
		if a.State.IsExecuting() {
			running = append(running, a)
		}
	}

	sort.Slice(running, func(i, j int) bool {
		if running[i].State != running[j].State {
			return running[i].State < running[j].State
		}
		return running[i].LastUpdate.After(running[j].LastUpdate)
	})
	return toSummaries(running), nil
}

func (s *Store) loadAllForUser(ctx context.Context, userID string) ([]models.AgentContext, error) {
	docs, err := s.kv.List(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list agent contexts: %w", err)
	}
	out := make([]models.AgentContext, 0, len(docs))
	for _, raw := range docs {
		var a models.AgentContext
		if err := json.Unmarshal(raw, &a); err != nil {
			continue
		}
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func toSummaries(ctxs []models.AgentContext) []models.AgentSummary {
	out := make([]models.AgentSummary, len(ctxs))
	for i, a := range ctxs {
		out[i] = models.AgentSummary{
			AgentID:     a.AgentID,
			Name:        a.Name,
			State:       a.State,
			Cost:        a.Cost,
			Error:       a.LastError,
			LastUpdate:  a.LastUpdate,
			UserPrompt:  a.UserPrompt,
			InputPrompt: a.InputPrompt,
			UserID:      a.UserID,
		}
	}
	return out
}

// Delete removes every id the caller (userID) owns, is not currently
// executing, and has no parent — plus each deleted agent's listed children,
// cascaded in the same batch (§4.3). ids that fail any of the three
// ownership checks are silently skipped, mirroring the teacher's filtered
// batch-delete pattern rather than failing the whole call.
func (s *Store) Delete(ctx context.Context, userID string, ids []string) error {
	var muts []store.Mutation
	for _, id := range ids {
		agentCtx, err := s.Load(ctx, id)
		if err != nil {
			if err == apperrors.ErrNotFound {
				continue
			}
			return err
		}
		if agentCtx.UserID != userID || agentCtx.State.IsExecuting() || agentCtx.ParentAgentID != nil {
			continue
		}
		muts = append(muts, store.DeleteMutation(collection, agentCtx.AgentID))
		for _, childID := range agentCtx.ChildAgents {
			muts = append(muts, store.DeleteMutation(collection, childID))
		}
	}
	if len(muts) == 0 {
		return nil
	}
	return s.kv.Apply(ctx, muts)
}

// UpdateFunctions replaces agentID's capability set with names, skipping
// (with a logged warning) any name absent from the function registry
// (§4.8).
func (s *Store) UpdateFunctions(ctx context.Context, registry *functions.Registry, agentID string, names []string) error {
	agentCtx, err := s.Load(ctx, agentID)
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := registry.Get(name); !ok {
			slog.Warn("updateFunctions: unknown function class, skipping",
				"agentId", agentID, "name", name)
			continue
		}
		kept = append(kept, name)
	}

	agentCtx.Functions = kept
	mut, err := store.Put(collection, agentCtx.AgentID, agentCtx)
	if err != nil {
		return fmt.Errorf("marshal agent context %s: %w", agentCtx.AgentID, err)
	}
	return s.kv.Apply(ctx, []store.Mutation{mut})
}
