package notify

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []interface{}
}

func (r *recordingSink) Broadcast(v interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPushBroadcastsAndTracks(t *testing.T) {
	sink := &recordingSink{}
	c := NewCenter(sink)

	toast := c.Push(Success, "Preset saved")

	if toast.ID == "" {
		t.Error("missing id")
	}
	if toast.Duration != DefaultDuration {
		t.Errorf("duration = %v, want %v", toast.Duration, DefaultDuration)
	}
	if sink.count() != 1 {
		t.Errorf("broadcast %d events, want 1", sink.count())
	}
	if len(c.Active()) != 1 {
		t.Errorf("active = %d, want 1", len(c.Active()))
	}

	shown, ok := sink.events[0].(shownEvent)
	if !ok {
		t.Fatalf("unexpected event %T", sink.events[0])
	}
	if shown.Type != "toast" || shown.Toast.Severity != Success {
		t.Errorf("event: %+v", shown)
	}
}

func TestAutoDismiss(t *testing.T) {
	sink := &recordingSink{}
	c := NewCenter(sink)

	c.PushFor(Info, "short lived", 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for len(c.Active()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("notice never auto-dismissed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 2 {
		t.Errorf("expected show + dismiss events, got %d", sink.count())
	}
}

func TestStickyNoticeStays(t *testing.T) {
	c := NewCenter(nil)

	toast := c.PushFor(Error, "generation failed", 0)

	time.Sleep(20 * time.Millisecond)
	if len(c.Active()) != 1 {
		t.Fatal("sticky notice dismissed itself")
	}

	c.Dismiss(toast.ID)
	if len(c.Active()) != 0 {
		t.Error("manual dismiss did not remove notice")
	}
}

func TestDismissUnknownIDIsNoop(t *testing.T) {
	sink := &recordingSink{}
	c := NewCenter(sink)

	c.Dismiss("missing")
	if sink.count() != 0 {
		t.Error("dismiss of unknown id broadcast an event")
	}
}

func TestManualDismissCancelsTimer(t *testing.T) {
	sink := &recordingSink{}
	c := NewCenter(sink)

	toast := c.PushFor(Warning, "slow renderer", 20*time.Millisecond)
	c.Dismiss(toast.ID)

	time.Sleep(40 * time.Millisecond)
	// One show, one dismiss; the expired timer must not add a second
	// dismissal.
	if sink.count() != 2 {
		t.Errorf("got %d events, want 2", sink.count())
	}
}
