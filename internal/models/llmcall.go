package models

import "time"

// LlmCall is the durable record of one LLM interaction (§3.3). The head
// record (ChunkIndex == 0) carries metadata; when ChunkCount > 0 its
// Messages field is empty and the conversation lives in separate chunk
// records sharing LlmCallID.
type LlmCall struct {
	ID               string       `json:"id"`
	LlmCallID        string       `json:"llmCallId"`
	LlmID            string       `json:"llmId"`
	RequestTime      time.Time    `json:"requestTime"`
	TimeToFirstToken int64        `json:"timeToFirstToken,omitempty"`
	TotalTime        int64        `json:"totalTime,omitempty"`
	Cost             float64      `json:"cost"`
	InputTokens      int          `json:"inputTokens"`
	OutputTokens     int          `json:"outputTokens"`
	Messages         []LlmMessage `json:"messages,omitempty"`
	Description      string       `json:"description,omitempty"`
	AgentID          string       `json:"agentId,omitempty"`
	UserID           string       `json:"userId,omitempty"`
	CallStack        []string     `json:"callStack,omitempty"`
	ChunkCount       int          `json:"chunkCount"`

	// ThinkingContent is a SPEC_FULL addition (§3) for providers whose
	// reasoning trace is reported out of band from the message parts.
	ThinkingContent *string `json:"thinkingContent,omitempty"`
}
