// SPDX-License-Identifier: MIT

package engine

import (
	"sync"

	"github.com/nuntius-im/nuntius/model"
)

type (
	// workingSet is the bounded in-memory ring of chat messages, in
	// arrival order. Written only by the engine's run goroutine;
	// snapshot reads may come from anywhere.
	workingSet struct {
		mx       sync.RWMutex
		byID     map[string]*model.ChatMessage
		order    []string
		capacity int
		next     int
		full     bool
	}
)

func newWorkingSet(capacity int) *workingSet {
	if capacity <= 0 {
		capacity = 1
	}

	return &workingSet{
		byID:     make(map[string]*model.ChatMessage, capacity),
		order:    make([]string, capacity),
		capacity: capacity,
	}
}

// add appends in arrival order, evicting the oldest message once the
// ring is full.
func (w *workingSet) add(msg model.ChatMessage) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if _, exists := w.byID[msg.EventID]; exists {
		return
	}
	if w.full {
		delete(w.byID, w.order[w.next])
	}
	w.order[w.next] = msg.EventID
	w.byID[msg.EventID] = &msg
	w.next++
	if w.next == w.capacity {
		w.next = 0
		w.full = true
	}
}

// setState flips a message's delivery state, reporting the updated copy
// and whether the message was still resident.
func (w *workingSet) setState(eventID string, state model.DeliveryState) (model.ChatMessage, bool) {
	w.mx.Lock()
	defer w.mx.Unlock()
	msg, ok := w.byID[eventID]
	if !ok {
		return model.ChatMessage{}, false
	}
	msg.State = state

	return *msg, true
}

func (w *workingSet) get(eventID string) (model.ChatMessage, bool) {
	w.mx.RLock()
	defer w.mx.RUnlock()
	msg, ok := w.byID[eventID]
	if !ok {
		return model.ChatMessage{}, false
	}

	return *msg, true
}

// snapshot returns resident messages oldest first.
func (w *workingSet) snapshot() []model.ChatMessage {
	w.mx.RLock()
	defer w.mx.RUnlock()
	size := len(w.byID)
	out := make([]model.ChatMessage, 0, size)
	start := 0
	if w.full {
		start = w.next
	}
	for i := 0; i < w.capacity; i++ {
		id := w.order[(start+i)%w.capacity]
		if msg, ok := w.byID[id]; ok {
			out = append(out, *msg)
		}
		if len(out) == size {
			break
		}
	}

	return out
}

func (w *workingSet) len() int {
	w.mx.RLock()
	defer w.mx.RUnlock()

	return len(w.byID)
}
