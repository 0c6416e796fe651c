package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentflow/runtime/internal/models"
)

func TestCount_EmptyStringIsZero(t *testing.T) {
	assert.Equal(t, 0, Count(""))
}

func TestCount_NonEmptyTextIsPositive(t *testing.T) {
	assert.Greater(t, Count("the quick brown fox jumps over the lazy dog"), 0)
}

func TestCount_LongerTextHasMoreTokens(t *testing.T) {
	short := Count("hello")
	long := Count("hello, this is a much longer piece of text with many more words in it")
	assert.Greater(t, long, short)
}

func TestCountMessages_IncludesFramingOverhead(t *testing.T) {
	messages := []models.LlmMessage{
		{Role: models.RoleUser, Text: "hi"},
	}
	bare := Count("hi") + Count(string(models.RoleUser))
	assert.Greater(t, CountMessages(messages), bare)
}

func TestCountMessages_EmptyConversationIsZero(t *testing.T) {
	assert.Equal(t, 0, CountMessages(nil))
}
