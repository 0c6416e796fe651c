package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_PublishDispatchesToAllRegisteredHandlers(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var received []string

	m.Register("h1", func(eventType string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "h1:"+eventType)
	})
	m.Register("h2", func(eventType string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, "h2:"+eventType)
	})

	m.Publish(TypeAgentCompleted, AgentCompletedPayload{AgentID: "a1", State: "completed"})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"h1:" + TypeAgentCompleted, "h2:" + TypeAgentCompleted}, received)
}

func TestManager_UnregisterStopsDelivery(t *testing.T) {
	m := NewManager()
	calls := 0
	m.Register("h1", func(string, any) { calls++ })

	m.Unregister("h1")
	m.Publish(TypeAgentStateChanged, AgentStateChangedPayload{AgentID: "a1"})

	assert.Equal(t, 0, calls)
}

func TestManager_PublishRecoversFromPanickingHandler(t *testing.T) {
	m := NewManager()
	m.Register("panicker", func(string, any) { panic("boom") })

	after := false
	m.Register("well-behaved", func(string, any) { after = true })

	assert.NotPanics(t, func() {
		m.Publish(TypeHILGateOpened, HILGateOpenedPayload{AgentID: "a1", Gate: "hitl_tool"})
	})
	assert.True(t, after)
}
