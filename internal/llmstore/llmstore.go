// Package llmstore is the LLM Call Store (§4.4): a durable record of every
// LLM interaction that transparently splits oversized message arrays across
// multiple backing documents while preserving single-logical-record
// semantics to callers. Chunking lives entirely in this package, above the
// generic store.KVStore the rest of the repositories also build on — see
// internal/store.
package llmstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/runtime/internal/apperrors"
	"github.com/agentflow/runtime/internal/models"
	"github.com/agentflow/runtime/internal/store"
)

// collection is the store.KVStore collection name for both head and chunk
// documents; chunk documents are distinguished by a positive ChunkIndex.
const collection = "llm_calls"

// MaxDocSize is the hard per-document size ceiling (§4.4). Documents are
// kept comfortably under typical document-store limits (Firestore's is
// ~1 MiB); the teacher's backing store has no such ceiling, but the
// contract is carried forward so the chunking algorithm is exercised
// regardless of which KVStore adapter is selected.
const MaxDocSize = 1 << 20

// chunkEnvelope is the estimated serialized overhead of a chunk document's
// non-Messages fields (id, llmCallId, chunkIndex, ...). Left generous so the
// "single message at MaxDocSize - envelope succeeds" boundary case in §8
// has room even after JSON struct-tag overhead.
const chunkEnvelope = 512

// record is the on-disk shape of both head and chunk documents. A head
// record has ChunkIndex == 0 and, when the call is chunked, no Messages;
// chunk records carry ChunkIndex in 1..N and a subset of Messages.
type record struct {
	models.LlmCall
	ChunkIndex int `json:"chunkIndex"`
}

// Store is the LLM Call Store (C4), built on any store.KVStore.
type Store struct {
	kv store.KVStore
}

// New wraps kv as an LlmCallStore.
func New(kv store.KVStore) *Store {
	return &Store{kv: kv}
}

// SaveRequest persists call before the provider response is known:
// Messages holds the request-side conversation only, Cost/tokens/timing are
// zero. See saveDocument for chunking/write semantics.
func (s *Store) SaveRequest(ctx context.Context, call *models.LlmCall) error {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.LlmCallID == "" {
		call.LlmCallID = call.ID
	}
	if call.RequestTime.IsZero() {
		call.RequestTime = time.Now()
	}
	return s.saveDocument(ctx, call)
}

// SaveResponse persists call once the response has arrived. Per §4.4 this
// uses merge semantics on the head document (the request-time head is
// overwritten in place, not appended to) and overwrite on chunks — which
// saveDocument already does, since it always writes the full current state
// of call as the new head/chunk set.
func (s *Store) SaveResponse(ctx context.Context, call *models.LlmCall) error {
	return s.saveDocument(ctx, call)
}

func (s *Store) saveDocument(ctx context.Context, call *models.LlmCall) error {
	size := estimateSize(call)
	if size < MaxDocSize {
		call.ChunkCount = 0
		head := record{LlmCall: *call, ChunkIndex: 0}
		head.Messages = call.Messages
		mut, err := store.Put(collection, head.ID, head)
		if err != nil {
			return fmt.Errorf("marshal llm call head: %w", err)
		}
		return s.kv.Apply(ctx, []store.Mutation{mut})
	}

	chunks, err := packChunks(call.Messages)
	if err != nil {
		return err
	}

	call.ChunkCount = len(chunks)
	head := *call
	head.Messages = nil
	headMut, err := store.Put(collection, call.ID, record{LlmCall: head, ChunkIndex: 0})
	if err != nil {
		return fmt.Errorf("marshal llm call head: %w", err)
	}

	muts := make([]store.Mutation, 0, len(chunks)+1)
	muts = append(muts, headMut)
	for i, msgs := range chunks {
		chunk := record{
			LlmCall: models.LlmCall{
				ID:        fmt.Sprintf("%s_chunk_%d", call.LlmCallID, i+1),
				LlmCallID: call.LlmCallID,
				Messages:  msgs,
			},
			ChunkIndex: i + 1,
		}
		mut, err := store.Put(collection, chunk.ID, chunk)
		if err != nil {
			return fmt.Errorf("marshal llm call chunk %d: %w", i+1, err)
		}
		muts = append(muts, mut)
	}

	return s.kv.Apply(ctx, muts)
}

// packChunks greedily packs messages into chunks bounded by MaxDocSize,
// preserving order (§4.4 step 4). A single message that cannot fit in a
// chunk by itself is unrecoverable per spec and fails the whole save.
func packChunks(messages []models.LlmMessage) ([][]models.LlmMessage, error) {
	var chunks [][]models.LlmMessage
	var current []models.LlmMessage
	currentSize := chunkEnvelope

	for _, msg := range messages {
		msgSize := estimateMessageSize(msg)
		if chunkEnvelope+msgSize > MaxDocSize {
			return nil, apperrors.ErrMessageTooLarge
		}
		if len(current) > 0 && currentSize+msgSize > MaxDocSize {
			chunks = append(chunks, current)
			current = nil
			currentSize = chunkEnvelope
		}
		current = append(current, msg)
		currentSize += msgSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks, nil
}

func estimateSize(call *models.LlmCall) int {
	b, err := json.Marshal(call)
	if err != nil {
		return MaxDocSize // force the chunked path; Marshal failure surfaces there
	}
	return len(b)
}

func estimateMessageSize(msg models.LlmMessage) int {
	b, err := json.Marshal(msg)
	if err != nil {
		return MaxDocSize
	}
	return len(b)
}

// GetCall reconstructs the full LlmCall for id, concatenating chunk
// documents in ascending ChunkIndex order when the head was chunked (§4.4
// read path). A chunk-count mismatch is logged and the reconstruction
// proceeds with whatever chunks were found — lossy read is a warning, not
// an error.
func (s *Store) GetCall(ctx context.Context, id string) (*models.LlmCall, error) {
	doc, ok, err := s.kv.Get(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("get llm call head %s: %w", id, err)
	}
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	var head record
	if err := json.Unmarshal(doc, &head); err != nil {
		return nil, fmt.Errorf("unmarshal llm call head %s: %w", id, err)
	}
	if head.ChunkCount == 0 {
		call := head.LlmCall
		return &call, nil
	}

	all, err := s.kv.List(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list llm call chunks for %s: %w", head.LlmCallID, err)
	}

	var chunks []record
	for _, raw := range all {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.LlmCallID == head.LlmCallID && r.ChunkIndex > 0 {
			chunks = append(chunks, r)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })

	if len(chunks) != head.ChunkCount {
		slog.Warn("llm call chunk count mismatch, reconstructing with what was found",
			"llmCallId", head.LlmCallID, "expected", head.ChunkCount, "found", len(chunks))
	}

	call := head.LlmCall
	call.Messages = make([]models.LlmMessage, 0, len(chunks))
	for _, c := range chunks {
		call.Messages = append(call.Messages, c.Messages...)
	}
	return &call, nil
}

// GetLlmCallsForAgent returns head records only for agentID, reconstructed
// and re-sorted by RequestTime descending.
func (s *Store) GetLlmCallsForAgent(ctx context.Context, agentID string) ([]*models.LlmCall, error) {
	return s.queryHeads(ctx, func(r record) bool { return r.AgentID == agentID })
}

// GetLlmCallsByDescription returns head records only whose Description
// equals desc, reconstructed and re-sorted by RequestTime descending.
func (s *Store) GetLlmCallsByDescription(ctx context.Context, desc string) ([]*models.LlmCall, error) {
	return s.queryHeads(ctx, func(r record) bool { return r.Description == desc })
}

func (s *Store) queryHeads(ctx context.Context, match func(record) bool) ([]*models.LlmCall, error) {
	all, err := s.kv.List(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}

	var heads []record
	for _, raw := range all {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.ChunkIndex != 0 {
			continue
		}
		if match(r) {
			heads = append(heads, r)
		}
	}

	out := make([]*models.LlmCall, 0, len(heads))
	for _, h := range heads {
		call, err := s.GetCall(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestTime.After(out[j].RequestTime) })
	return out, nil
}

// Delete removes the head and all chunk documents sharing llmCallID in a
// single batch.
func (s *Store) Delete(ctx context.Context, llmCallID string) error {
	all, err := s.kv.List(ctx, collection)
	if err != nil {
		return fmt.Errorf("list llm calls: %w", err)
	}

	var muts []store.Mutation
	for id, raw := range all {
		var r record
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.LlmCallID == llmCallID {
			muts = append(muts, store.DeleteMutation(collection, id))
		}
	}
	if len(muts) == 0 {
		return nil
	}
	return s.kv.Apply(ctx, muts)
}
