package web

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/arborworks/agentloop/pkg/models"
)

// turnItem is one unit published to a user's stream channel: either an
// agent-loop event or, if the turn failed, the terminating error.
type turnItem struct {
	event *models.Event
	err   error
}

// streamBroker hands each user's in-flight turn a channel that the
// background loop writes to and a later GET /agent-stream request reads
// from. A channel is consumed exactly once; handleChat creates it,
// handleStream takes ownership of it.
type streamBroker struct {
	mu    sync.Mutex
	turns map[string]chan turnItem
}

func newStreamBroker() *streamBroker {
	return &streamBroker{turns: map[string]chan turnItem{}}
}

// newTurn creates (replacing any stale, un-consumed one) the channel for
// userID's next turn.
func (b *streamBroker) newTurn(userID string) chan turnItem {
	ch := make(chan turnItem, 64)
	b.mu.Lock()
	b.turns[userID] = ch
	b.mu.Unlock()
	return ch
}

// take removes and returns userID's current turn channel, if any.
func (b *streamBroker) take(userID string) (chan turnItem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.turns[userID]
	if ok {
		delete(b.turns, userID)
	}
	return ch, ok
}

// writeSSEEvent writes one Server-Sent Event frame. data is split on
// newlines since the SSE wire format requires one "data:" line per line of
// payload.
func writeSSEEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
