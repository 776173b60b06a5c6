package core

import (
	"errors"
	"testing"
	"time"
)

func TestResponseHandleCancelOnce(t *testing.T) {
	h := newResponseHandle([]byte{1}, false, 0, nil)
	count := 0
	if err := h.OnCancel(func() { count++ }); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	h.Cancel()
	h.Cancel()
	h.fail(errors.New("late"))
	if count != 1 {
		t.Fatalf("cancel fired %d times, want 1", count)
	}
	if !errors.Is(h.Err(), ErrCancelled) {
		t.Fatalf("unexpected err: %v", h.Err())
	}
}

func TestResponseHandleRegisterAfterCancel(t *testing.T) {
	h := newResponseHandle([]byte{1}, false, 0, nil)
	h.Cancel()
	if err := h.OnReply(func([]byte) {}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := h.OnCancel(func() {}); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestResponseHandleErrorFoldsIntoCancel(t *testing.T) {
	h := newResponseHandle([]byte{1}, false, 0, nil)
	var gotErr error
	cancelled := false
	h.OnError(func(err error) { gotErr = err })
	h.OnCancel(func() { cancelled = true })
	boom := errors.New("boom")
	h.fail(boom)
	if gotErr != boom || !cancelled {
		t.Fatalf("error must fire and fold into cancel: err=%v cancelled=%v", gotErr, cancelled)
	}
	if h.Err() != boom {
		t.Fatalf("Err() = %v, want boom", h.Err())
	}
}

func TestResponseHandleTimeout(t *testing.T) {
	h := newResponseHandle([]byte{1}, false, 20*time.Millisecond, nil)
	timedOut := make(chan struct{})
	h.OnTimeout(func() { close(timedOut) })
	h.armTimer()
	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}
	if !errors.Is(h.Err(), ErrTimeout) {
		t.Fatalf("unexpected err: %v", h.Err())
	}
}

func TestResponseHandleClearTimeout(t *testing.T) {
	h := newResponseHandle([]byte{1}, true, 30*time.Millisecond, nil)
	fired := make(chan struct{}, 1)
	h.OnTimeout(func() { fired <- struct{}{} })
	h.armTimer()
	h.ClearTimeout()
	select {
	case <-fired:
		t.Fatalf("cleared timeout must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResponseHandleBuffersEarlyReplies(t *testing.T) {
	h := newResponseHandle([]byte{1}, true, 0, nil)
	h.deliver([]byte("one"))
	h.deliver([]byte("two"))
	var got []string
	h.OnReply(func(data []byte) { got = append(got, string(data)) })
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("buffered replies lost or reordered: %v", got)
	}
	h.deliver([]byte("three"))
	if len(got) != 3 {
		t.Fatalf("live reply lost")
	}
}

func TestResponseHandleSettleIsSilent(t *testing.T) {
	h := newResponseHandle([]byte{1}, false, 0, nil)
	cancelled := false
	h.OnCancel(func() { cancelled = true })
	h.settle()
	if cancelled {
		t.Fatalf("settle must not fire cancel")
	}
	if h.Err() != nil {
		t.Fatalf("settled handle has no error")
	}
}
