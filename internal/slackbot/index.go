package slackbot

import (
	"sync"

	"github.com/mlx93/TribalKnowledge/internal/agent"
)

// messageKey identifies one bot-posted message this process can still map
// back to the question that produced it.
type messageKey struct {
	Channel   string
	MessageTS string
}

// indexEntry lets a reaction on a bot response recover its original inputs.
type indexEntry struct {
	Question string
	Result   *agent.ProcessingResult
	ThreadTS string
}

// messageIndex is the process-local, non-durable map from a bot response's
// (channel, message_ts) to the question and result that produced it.
type messageIndex struct {
	mu      sync.RWMutex
	entries map[messageKey]indexEntry
}

func newMessageIndex() *messageIndex {
	return &messageIndex{entries: make(map[messageKey]indexEntry)}
}

func (m *messageIndex) put(channel, messageTS string, entry indexEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[messageKey{Channel: channel, MessageTS: messageTS}] = entry
}

func (m *messageIndex) get(channel, messageTS string) (indexEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[messageKey{Channel: channel, MessageTS: messageTS}]
	return e, ok
}
