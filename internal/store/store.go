// Package store defines the generic durable document-store contract that
// every repository in §6.1 of the design spec is built on top of. Any
// store satisfying KVStore — an in-memory map or a Postgres/jsonb table —
// can back AgentStateStore, LlmCallStore, CodeReviewConfigStore, and
// ReviewCacheStore.
package store

import (
	"context"
	"encoding/json"
)

// Mutation is one write in an atomic Apply batch. Data == nil means
// delete; any other value is an upsert.
type Mutation struct {
	Collection string
	ID         string
	Data       json.RawMessage
}

// Put builds an upsert Mutation, marshaling v to JSON.
func Put(collection, id string, v any) (Mutation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Collection: collection, ID: id, Data: data}, nil
}

// DeleteMutation builds a delete Mutation.
func DeleteMutation(collection, id string) Mutation {
	return Mutation{Collection: collection, ID: id, Data: nil}
}

// KVStore is the minimal durable document-store contract (§6.1: "Any
// durable key/value store satisfying the repository interfaces ... is
// acceptable"). Implementations: memstore (in-process) and pgstore
// (Postgres, documents kept in a jsonb column).
type KVStore interface {
	// Get returns the raw document for (collection, id), or ok == false
	// if absent.
	Get(ctx context.Context, collection, id string) (data json.RawMessage, ok bool, err error)

	// List returns every document currently stored in collection, keyed by
	// id. Callers sort/filter in Go — the store makes no ordering promise.
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)

	// Apply performs every Mutation in muts as a single atomic batch: all
	// writes/deletes succeed together or none do. Used for the Agent
	// Context parent/child two-write (§4.3) and for writing an LlmCall's
	// head + chunk documents together (§4.4).
	Apply(ctx context.Context, muts []Mutation) error

	// Close releases any underlying connection/resources.
	Close() error
}
