// Package tokenizer is the Tokenizer (C11): text/message token counting,
// used as the composite LLM's input-token estimator when it checks each
// provider's input limit. Per §5, the encoding is
// a lazily initialized process-wide resource — the first call pays
// initialization cost, every call after that only reads the already-built
// encoding table, with no further locking.
package tokenizer

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentflow/runtime/internal/models"
)

// defaultEncoding approximates every provider's tokenizer with OpenAI's
// cl100k_base, the same compromise the example pack's own multi-provider
// token counters make (exact per-vendor tokenizers are not worth the
// dependency weight for budgeting purposes).
const defaultEncoding = "cl100k_base"

// tokensPerMessage is the small per-message framing overhead OpenAI's own
// token-counting cookbook accounts for; applied uniformly across roles
// since this is an estimate, not a billing-accurate count.
const tokensPerMessage = 3

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func ensureInit() {
	once.Do(func() {
		e, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			slog.Error("tokenizer: failed to load encoding, falling back to rune-based estimate", "encoding", defaultEncoding, "error", err)
			return
		}
		enc = e
	})
}

// Count returns the token count of text. Safe for concurrent use; after
// the first call (from any goroutine) no further locking occurs.
func Count(text string) int {
	ensureInit()
	if enc == nil {
		return estimateRunes(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the token count of a full conversation, including
// the small per-message role/framing overhead tiktoken-based estimators
// conventionally add.
func CountMessages(messages []models.LlmMessage) int {
	ensureInit()
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += Count(string(m.Role))
		total += Count(m.Content())
	}
	return total
}

// estimateRunes is the fallback used only if the encoding table failed to
// load — a rough 4-characters-per-token approximation.
func estimateRunes(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
