package prompt

import (
	"context"
	"errors"
	"testing"
	"time"
)

type chanObserver chan Request

func (c chanObserver) PromptRequested(r Request) { c <- r }

func nextRequest(t *testing.T, obs chanObserver) Request {
	t.Helper()
	select {
	case r := <-obs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt request")
		return Request{}
	}
}

type result struct {
	s  string
	b  bool
	ok bool
}

func TestRequestStringAnswered(t *testing.T) {
	var h Helper
	obs := make(chanObserver, 4)
	h.SetObserver(obs)

	done := make(chan result, 1)
	go func() {
		s, ok := h.RequestString(context.Background(), "Login", "Password:")
		done <- result{s: s, ok: ok}
	}()

	req := nextRequest(t, obs)
	if req.Kind != KindString || req.Prompt != "Password:" || req.Instruction != "Login" {
		t.Fatalf("unexpected request %+v", req)
	}
	if p, ok := h.Pending(); !ok || p.ID != req.ID {
		t.Fatalf("Pending() = %+v, %v", p, ok)
	}
	if err := h.Respond(req.ID, "secret"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	r := <-done
	if !r.ok || r.s != "secret" {
		t.Fatalf("got %+v", r)
	}
	if _, ok := h.Pending(); ok {
		t.Fatal("prompt still pending after answer")
	}
}

func TestRespondErrors(t *testing.T) {
	var h Helper
	if err := h.Respond(1, true); !errors.Is(err, ErrNoPrompt) {
		t.Fatalf("Respond with nothing pending = %v", err)
	}

	obs := make(chanObserver, 4)
	h.SetObserver(obs)
	done := make(chan result, 1)
	go func() {
		b, ok := h.RequestBoolean(context.Background(), "", "Continue?")
		done <- result{b: b, ok: ok}
	}()
	req := nextRequest(t, obs)

	if err := h.Respond(req.ID+1, true); !errors.Is(err, ErrPromptMismatch) {
		t.Errorf("mismatched id = %v", err)
	}
	if err := h.Respond(req.ID, "yes"); !errors.Is(err, ErrWrongType) {
		t.Errorf("wrong type = %v", err)
	}
	if err := h.Respond(req.ID, false); err != nil {
		t.Fatal(err)
	}
	r := <-done
	if !r.ok || r.b {
		t.Fatalf("got %+v, want answered false", r)
	}
}

func TestCancelWakesPendingRequest(t *testing.T) {
	var h Helper
	obs := make(chanObserver, 4)
	h.SetObserver(obs)

	done := make(chan result, 1)
	go func() {
		b, ok := h.RequestBoolean(context.Background(), "", "Keep?")
		done <- result{b: b, ok: ok}
	}()
	nextRequest(t, obs)
	h.Cancel()

	select {
	case r := <-done:
		if r.ok {
			t.Fatalf("cancelled prompt reported an answer: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not wake the waiter")
	}

	// The observer is still attached, so the next question is shown.
	go func() {
		s, ok := h.RequestString(context.Background(), "", "still there?")
		done <- result{s: s, ok: ok}
	}()
	req := nextRequest(t, obs)
	h.Respond(req.ID, "yes")
	if r := <-done; !r.ok || r.s != "yes" {
		t.Fatalf("prompt after cancel = %+v", r)
	}
}

func TestCancelWithoutObserverDisables(t *testing.T) {
	var h Helper
	h.Cancel()

	if _, ok := h.RequestString(context.Background(), "", "anyone?"); ok {
		t.Fatal("requests must fail while cancelled")
	}

	obs := make(chanObserver, 4)
	h.SetObserver(obs)
	done := make(chan result, 1)
	go func() {
		s, ok := h.RequestString(context.Background(), "", "after attach")
		done <- result{s: s, ok: ok}
	}()
	req := nextRequest(t, obs)
	h.Respond(req.ID, "fine")
	if r := <-done; !r.ok || r.s != "fine" {
		t.Fatalf("prompt after re-attach = %+v", r)
	}
}

func TestRequestsServedInOrder(t *testing.T) {
	var h Helper
	obs := make(chanObserver, 4)
	h.SetObserver(obs)

	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		s, ok := h.RequestString(context.Background(), "", "first")
		first <- result{s: s, ok: ok}
	}()
	req1 := nextRequest(t, obs)

	go func() {
		s, ok := h.RequestString(context.Background(), "", "second")
		second <- result{s: s, ok: ok}
	}()

	select {
	case r := <-obs:
		t.Fatalf("second prompt shown before the first was answered: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	h.Respond(req1.ID, "one")
	req2 := nextRequest(t, obs)
	if req2.Prompt != "second" || req2.ID <= req1.ID {
		t.Fatalf("unexpected second request %+v", req2)
	}
	h.Respond(req2.ID, "two")

	if r := <-first; r.s != "one" {
		t.Errorf("first = %+v", r)
	}
	if r := <-second; r.s != "two" {
		t.Errorf("second = %+v", r)
	}
}

func TestCancelWakesQueuedRequests(t *testing.T) {
	var h Helper
	obs := make(chanObserver, 4)
	h.SetObserver(obs)

	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, ok := h.RequestString(context.Background(), "", "q")
			results <- result{s: s, ok: ok}
		}()
	}
	nextRequest(t, obs)
	time.Sleep(20 * time.Millisecond)
	h.Cancel()

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.ok {
				t.Errorf("request %d answered after cancel", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued request not woken by Cancel")
		}
	}
}

func TestObserverDetachWakesWaiter(t *testing.T) {
	var h Helper
	obs := make(chanObserver, 4)
	h.SetObserver(obs)

	done := make(chan result, 1)
	go func() {
		s, ok := h.RequestString(context.Background(), "", "name?")
		done <- result{s: s, ok: ok}
	}()
	nextRequest(t, obs)
	h.SetObserver(nil)

	select {
	case r := <-done:
		if r.ok {
			t.Fatal("detach should wake the waiter with no answer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("detach did not wake the waiter")
	}
}

func TestLateObserverSeesPendingRequest(t *testing.T) {
	var h Helper
	done := make(chan result, 1)
	go func() {
		b, ok := h.RequestBoolean(context.Background(), "Host key", "Trust?")
		done <- result{b: b, ok: ok}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.Pending(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	obs := make(chanObserver, 4)
	h.SetObserver(obs)
	req := nextRequest(t, obs)
	h.Respond(req.ID, true)
	if r := <-done; !r.ok || !r.b {
		t.Fatalf("got %+v", r)
	}
}

func TestContextTimeoutReleasesSlot(t *testing.T) {
	var h Helper
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := h.RequestString(ctx, "", "nobody home"); ok {
		t.Fatal("expected timeout")
	}

	obs := make(chanObserver, 4)
	h.SetObserver(obs)
	done := make(chan result, 1)
	go func() {
		s, ok := h.RequestString(context.Background(), "", "next")
		done <- result{s: s, ok: ok}
	}()
	req := nextRequest(t, obs)
	h.Respond(req.ID, "ok")
	if r := <-done; !r.ok {
		t.Fatal("slot not released after timeout")
	}
}

func TestKindText(t *testing.T) {
	b, _ := KindBoolean.MarshalText()
	if string(b) != "boolean" {
		t.Errorf("KindBoolean = %q", b)
	}
	var k Kind
	if err := k.UnmarshalText(b); err != nil || k != KindBoolean {
		t.Errorf("UnmarshalText(%q) = %v, %v", b, k, err)
	}
	if err := k.UnmarshalText([]byte("number")); err == nil {
		t.Error("unknown kind accepted")
	}
}
