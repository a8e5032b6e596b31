// Package prompt lets a background goroutine ask the attached observer a
// question and block until it is answered, cancelled or the observer goes
// away.
//
// Requests are served one at a time in arrival order; a second request waits
// behind the first.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind is the type of answer a request expects.
type Kind int

const (
	KindString Kind = iota
	KindBoolean
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBoolean:
		return "boolean"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "string":
		*k = KindString
	case "boolean":
		*k = KindBoolean
	default:
		return fmt.Errorf("unknown prompt kind %q", b)
	}
	return nil
}

var (
	// ErrNoPrompt is returned by Respond when nothing is waiting.
	ErrNoPrompt = errors.New("no prompt pending")
	// ErrPromptMismatch is returned when the answer targets an older prompt.
	ErrPromptMismatch = errors.New("prompt id does not match pending prompt")
	// ErrWrongType is returned when the answer type does not match the Kind.
	ErrWrongType = errors.New("answer type does not match prompt kind")
)

// Request is what the observer is shown.
type Request struct {
	ID          uint64 `json:"id"`
	Kind        Kind   `json:"kind"`
	Instruction string `json:"instruction,omitempty"`
	Prompt      string `json:"prompt"`
}

// Observer receives prompt requests. PromptRequested is called without any
// helper lock held and must not block.
type Observer interface {
	PromptRequested(Request)
}

type answer struct {
	value any
	ok    bool
}

type pendingPrompt struct {
	req    Request
	answer chan answer
}

type waiter struct {
	ch      chan struct{}
	granted bool
}

// Helper is the per-session rendezvous between a blocked worker and the
// observer answering it. The zero value is ready to use.
type Helper struct {
	mu        sync.Mutex
	observer  Observer
	cancelled bool
	busy      bool
	pending   *pendingPrompt
	queue     []*waiter
	seq       uint64
}

// SetObserver attaches o, re-enabling prompts after a Cancel, and shows it
// any request already pending. A nil o detaches the current observer and
// wakes the pending request with no answer.
func (h *Helper) SetObserver(o Observer) {
	h.mu.Lock()
	h.observer = o
	if o != nil {
		h.cancelled = false
	}
	p := h.pending
	if o == nil && p != nil {
		h.deliverLocked(answer{})
	}
	h.mu.Unlock()

	if o != nil && p != nil {
		o.PromptRequested(p.req)
	}
}

// Pending returns the request currently waiting for an answer.
func (h *Helper) Pending() (Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return Request{}, false
	}
	return h.pending.req, true
}

// Respond answers the pending request. value must be a string for
// KindString and a bool for KindBoolean.
func (h *Helper) Respond(id uint64, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending == nil {
		return ErrNoPrompt
	}
	if h.pending.req.ID != id {
		return ErrPromptMismatch
	}
	switch h.pending.req.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return ErrWrongType
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return ErrWrongType
		}
	}
	h.deliverLocked(answer{value: value, ok: true})
	return nil
}

// Cancel wakes the pending request and every queued one with no answer.
// When no observer is attached, new requests fail at once until one
// attaches.
func (h *Helper) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = h.observer == nil
	if h.pending != nil {
		h.deliverLocked(answer{})
	}
	for _, w := range h.queue {
		close(w.ch)
	}
	h.queue = nil
}

// deliverLocked hands a to the pending request; the request's goroutine
// clears the slot once it wakes.
func (h *Helper) deliverLocked(a answer) {
	select {
	case h.pending.answer <- a:
	default:
	}
	h.pending = nil
}

func (h *Helper) releaseLocked() {
	if len(h.queue) == 0 {
		h.busy = false
		return
	}
	next := h.queue[0]
	h.queue = h.queue[1:]
	next.granted = true
	close(next.ch)
}

func (h *Helper) acquire(ctx context.Context) bool {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return false
	}
	if !h.busy {
		h.busy = true
		h.mu.Unlock()
		return true
	}
	w := &waiter{ch: make(chan struct{})}
	h.queue = append(h.queue, w)
	h.mu.Unlock()

	select {
	case <-w.ch:
	case <-ctx.Done():
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !w.granted {
		for i, q := range h.queue {
			if q == w {
				h.queue = append(h.queue[:i], h.queue[i+1:]...)
				break
			}
		}
		return false
	}
	if h.cancelled || ctx.Err() != nil {
		h.releaseLocked()
		return false
	}
	return true
}

func (h *Helper) request(ctx context.Context, kind Kind, instruction, text string) (any, bool) {
	if !h.acquire(ctx) {
		return nil, false
	}

	h.mu.Lock()
	if h.cancelled {
		h.releaseLocked()
		h.mu.Unlock()
		return nil, false
	}
	h.seq++
	p := &pendingPrompt{
		req:    Request{ID: h.seq, Kind: kind, Instruction: instruction, Prompt: text},
		answer: make(chan answer, 1),
	}
	h.pending = p
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs.PromptRequested(p.req)
	}

	var a answer
	select {
	case a = <-p.answer:
	case <-ctx.Done():
	}

	h.mu.Lock()
	if h.pending == p {
		h.pending = nil
	}
	h.releaseLocked()
	h.mu.Unlock()
	return a.value, a.ok
}

// RequestString blocks until the observer answers with text. ok is false
// when the request was cancelled, the observer detached or ctx ended.
func (h *Helper) RequestString(ctx context.Context, instruction, prompt string) (string, bool) {
	v, ok := h.request(ctx, KindString, instruction, prompt)
	s, _ := v.(string)
	return s, ok
}

// RequestBoolean is the yes/no variant of RequestString.
func (h *Helper) RequestBoolean(ctx context.Context, instruction, prompt string) (bool, bool) {
	v, ok := h.request(ctx, KindBoolean, instruction, prompt)
	b, _ := v.(bool)
	return b, ok
}
