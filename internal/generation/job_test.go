package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
)

type fakeRenderer struct {
	mu           sync.Mutex
	queueErr     error
	historyErr   error
	artifacts    map[string][]comfy.Artifact
	fetchCalls   int
	queueCalls   int
	callOrder    []string
	lastClient   string
	nextPromptID string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		artifacts:    make(map[string][]comfy.Artifact),
		nextPromptID: "job1",
	}
}

func (f *fakeRenderer) QueuePrompt(ctx context.Context, workflow interface{}, clientID string) (*comfy.QueuedPrompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	f.callOrder = append(f.callOrder, "queue")
	f.lastClient = clientID
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return &comfy.QueuedPrompt{PromptID: f.nextPromptID}, nil
}

func (f *fakeRenderer) History(ctx context.Context, promptID string) ([]comfy.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.artifacts[promptID], nil
}

func (f *fakeRenderer) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type fakeSub struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// harness wires a Manager to fakes and captures the event handler so
// tests can inject renderer events directly.
type harness struct {
	renderer *fakeRenderer
	sub      *fakeSub
	handler  comfy.EventHandler
	mgr      *Manager

	mu      sync.Mutex
	results []Snapshot
	dialErr error
	dialed  bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		renderer: newFakeRenderer(),
		sub:      &fakeSub{},
	}
	h.mgr = NewManager(ManagerOptions{
		Submitter:    h.renderer,
		Fetcher:      h.renderer,
		GraceDelay:   5 * time.Millisecond,
		FetchTimeout: time.Second,
		Dial: func(clientID string, handler comfy.EventHandler) (Subscription, error) {
			h.renderer.mu.Lock()
			h.renderer.callOrder = append(h.renderer.callOrder, "dial")
			h.renderer.mu.Unlock()
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			h.dialed = true
			h.handler = handler
			return h.sub, nil
		},
		OnResult: func(snap Snapshot, artifacts []comfy.Artifact) {
			h.mu.Lock()
			h.results = append(h.results, snap)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) start(t *testing.T) Snapshot {
	t.Helper()
	s := DefaultSettings()
	s.Checkpoint = "modelA"
	snap, err := h.mgr.Start(context.Background(), StartRequest{
		Prompt:   "a cat",
		Settings: s,
		Workflow: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return snap
}

func (h *harness) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func executingEvent(node, promptID string) comfy.Event {
	data := &comfy.ExecutingData{PromptID: promptID}
	if node != "" {
		data.Node = &node
	}
	return comfy.Event{Type: comfy.EventExecuting, Data: data}
}

func progressEvent(value, max int) comfy.Event {
	return comfy.Event{Type: comfy.EventProgress, Data: &comfy.ProgressData{Value: value, Max: max}}
}

func statusEvent(queueRemaining int) comfy.Event {
	data := &comfy.StatusData{}
	data.Status.ExecInfo.QueueRemaining = queueRemaining
	return comfy.Event{Type: comfy.EventStatus, Data: data}
}

func cachedEvent(promptID string) comfy.Event {
	return comfy.Event{Type: comfy.EventCached, Data: &comfy.CachedData{PromptID: promptID}}
}

func errorEvent(promptID, message string) comfy.Event {
	return comfy.Event{Type: comfy.EventExecutionError, Data: &comfy.ExecutionErrorData{
		PromptID:         promptID,
		ExceptionMessage: message,
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBasicGeneration(t *testing.T) {
	h := newHarness(t)
	h.renderer.artifacts["job1"] = []comfy.Artifact{
		{Filename: "out_00001.png", Type: "output"},
	}

	snap := h.start(t)
	if snap.State != StateInProgress || snap.PromptID != "job1" {
		t.Fatalf("after start: %s / %s", snap.State, snap.PromptID)
	}

	h.handler.OnEvent(executingEvent("", "job1"))

	waitFor(t, "completion", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})

	got, _ := h.mgr.Get(snap.Token)
	if len(got.Artifacts) != 1 || got.Artifacts[0].Filename != "out_00001.png" {
		t.Errorf("artifacts: %v", got.Artifacts)
	}
	if got.Settings.Checkpoint != "modelA" {
		t.Errorf("settings lost: %q", got.Settings.Checkpoint)
	}
	if h.renderer.fetches() != 1 {
		t.Errorf("fetch calls = %d, want 1", h.renderer.fetches())
	}
	if h.resultCount() != 1 {
		t.Errorf("result callbacks = %d, want 1", h.resultCount())
	}
	if h.sub.closeCount() == 0 {
		t.Error("channel left open after completion")
	}
}

func TestChannelOpensBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.renderer.mu.Lock()
	order := append([]string(nil), h.renderer.callOrder...)
	h.renderer.mu.Unlock()
	if len(order) != 2 || order[0] != "dial" || order[1] != "queue" {
		t.Errorf("call order %v, want [dial queue]", order)
	}
	if !strings.HasPrefix(h.renderer.lastClient, "kiko-creator-") {
		t.Errorf("session token %q missing prefix", h.renderer.lastClient)
	}
}

func TestCompletionIdempotence(t *testing.T) {
	h := newHarness(t)
	h.renderer.artifacts["job1"] = []comfy.Artifact{{Filename: "a.png", Type: "output"}}

	snap := h.start(t)
	h.handler.OnEvent(executingEvent("", "job1"))
	h.handler.OnEvent(cachedEvent("job1"))
	h.handler.OnEvent(statusEvent(0))

	waitFor(t, "completion", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})
	// Give a hypothetical duplicate fetch time to happen before counting.
	time.Sleep(20 * time.Millisecond)

	if h.renderer.fetches() != 1 {
		t.Errorf("overlapping signals caused %d fetches, want 1", h.renderer.fetches())
	}
	if h.resultCount() != 1 {
		t.Errorf("result callbacks = %d, want 1", h.resultCount())
	}
}

func TestProgressMonotonicity(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t)

	h.handler.OnEvent(progressEvent(50, 100))
	got, _ := h.mgr.Get(snap.Token)
	if got.Percent != 50 {
		t.Fatalf("percent = %d, want 50", got.Percent)
	}

	h.handler.OnEvent(progressEvent(30, 100))
	got, _ = h.mgr.Get(snap.Token)
	if got.Percent != 50 {
		t.Errorf("percent dropped to %d", got.Percent)
	}
	// Raw step counters still update for display.
	if got.Value != 30 || got.Max != 100 {
		t.Errorf("value/max = %d/%d", got.Value, got.Max)
	}

	h.handler.OnEvent(progressEvent(60, 100))
	got, _ = h.mgr.Get(snap.Token)
	if got.Percent != 60 {
		t.Errorf("percent = %d, want 60", got.Percent)
	}
}

func TestProgressFullTriggersFallbackFetch(t *testing.T) {
	h := newHarness(t)
	h.renderer.artifacts["job1"] = []comfy.Artifact{{Filename: "a.png", Type: "output"}}

	snap := h.start(t)
	// No executing(null) event arrives; only the sampler hitting 100%.
	h.handler.OnEvent(progressEvent(20, 20))

	waitFor(t, "fallback completion", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})
	if h.renderer.fetches() != 1 {
		t.Errorf("fetch calls = %d, want 1", h.renderer.fetches())
	}
}

func TestQueueEmptyTriggersFetch(t *testing.T) {
	h := newHarness(t)
	h.renderer.artifacts["job1"] = []comfy.Artifact{{Filename: "a.png", Type: "output"}}

	snap := h.start(t)
	h.handler.OnEvent(statusEvent(0))

	waitFor(t, "queue-empty completion", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})
}

func TestErrorAbort(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t)

	h.handler.OnEvent(errorEvent("job1", "CUDA OOM"))

	got, _ := h.mgr.Get(snap.Token)
	if got.State != StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Error != "CUDA OOM" {
		t.Errorf("error = %q, want verbatim message", got.Error)
	}
	if h.sub.closeCount() == 0 {
		t.Error("channel left open after error")
	}
	if h.resultCount() != 0 {
		t.Error("failed job delivered results")
	}

	// Events after the terminal state are ignored.
	h.handler.OnEvent(executingEvent("", "job1"))
	time.Sleep(20 * time.Millisecond)
	if h.renderer.fetches() != 0 {
		t.Error("terminal job still fetched results")
	}
}

func TestDialFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.dialErr = errors.New("connection refused")

	s := DefaultSettings()
	s.Checkpoint = "modelA"
	snap, err := h.mgr.Start(context.Background(), StartRequest{Prompt: "a cat", Settings: s})
	if err == nil {
		t.Fatal("expected error")
	}
	if snap.State != StateFailed {
		t.Errorf("state = %s, want failed", snap.State)
	}
	if !strings.Contains(snap.Error, "event channel") {
		t.Errorf("error = %q", snap.Error)
	}
	if h.renderer.queueCalls != 0 {
		t.Error("workflow submitted despite channel failure")
	}
}

func TestSubmitFailureFailsJobAndClosesChannel(t *testing.T) {
	h := newHarness(t)
	h.renderer.queueErr = errors.New("comfyui rejected prompt: 400")

	s := DefaultSettings()
	s.Checkpoint = "modelA"
	snap, err := h.mgr.Start(context.Background(), StartRequest{Prompt: "a cat", Settings: s})
	if err == nil {
		t.Fatal("expected error")
	}
	if snap.State != StateFailed {
		t.Errorf("state = %s", snap.State)
	}
	if h.sub.closeCount() == 0 {
		t.Error("channel left open after submit failure")
	}
}

func TestFetchFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	h.renderer.historyErr = errors.New("listing unavailable")

	snap := h.start(t)
	h.handler.OnEvent(executingEvent("", "job1"))

	waitFor(t, "failure", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateFailed
	})
	got, _ := h.mgr.Get(snap.Token)
	if !strings.Contains(got.Error, "listing unavailable") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestEmptyListingRearmsJob(t *testing.T) {
	h := newHarness(t)

	snap := h.start(t)
	// Stray queue-empty before our prompt ran: the listing has nothing.
	h.handler.OnEvent(statusEvent(0))

	waitFor(t, "re-arm", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateInProgress && h.renderer.fetches() == 1
	})

	// Real completion later still lands.
	h.renderer.mu.Lock()
	h.renderer.artifacts["job1"] = []comfy.Artifact{{Filename: "a.png", Type: "output"}}
	h.renderer.mu.Unlock()
	h.handler.OnEvent(executingEvent("", "job1"))

	waitFor(t, "completion after re-arm", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})
}

func TestChannelDropFailsActiveJob(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t)

	h.handler.OnClosed(errors.New("unexpected EOF"))

	got, _ := h.mgr.Get(snap.Token)
	if got.State != StateFailed {
		t.Errorf("state = %s", got.State)
	}
	if !strings.Contains(got.Error, "unexpected EOF") {
		t.Errorf("error = %q", got.Error)
	}

	// A local close after a terminal state is not a failure.
	h.handler.OnClosed(nil)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	snap := h.start(t)

	if !h.mgr.Cancel(snap.Token) {
		t.Fatal("cancel returned false")
	}
	got, _ := h.mgr.Get(snap.Token)
	if got.State != StateCancelled {
		t.Errorf("state = %s", got.State)
	}
	if h.sub.closeCount() == 0 {
		t.Error("channel left open after cancel")
	}
	if h.mgr.Cancel(snap.Token) {
		t.Error("second cancel reported success")
	}

	// Late events for a cancelled job are no-ops.
	h.handler.OnEvent(executingEvent("", "job1"))
	time.Sleep(20 * time.Millisecond)
	if h.renderer.fetches() != 0 {
		t.Error("cancelled job fetched results")
	}
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	h := newHarness(t)

	type session struct {
		snap    Snapshot
		handler comfy.EventHandler
	}
	var sessions []session

	for _, promptID := range []string{"jobA", "jobB"} {
		h.renderer.mu.Lock()
		h.renderer.nextPromptID = promptID
		h.renderer.mu.Unlock()
		h.renderer.artifacts[promptID] = []comfy.Artifact{{Filename: promptID + ".png", Type: "output"}}

		snap := h.start(t)
		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		sessions = append(sessions, session{snap, handler})
	}

	if sessions[0].snap.Token == sessions[1].snap.Token {
		t.Fatal("jobs share a session token")
	}

	// Finish only the second job.
	sessions[1].handler.OnEvent(executingEvent("", "jobB"))
	waitFor(t, "jobB completion", func() bool {
		got, _ := h.mgr.Get(sessions[1].snap.Token)
		return got.State == StateCompleted
	})

	first, _ := h.mgr.Get(sessions[0].snap.Token)
	if first.State != StateInProgress {
		t.Errorf("unrelated job state = %s", first.State)
	}

	sessions[0].handler.OnEvent(executingEvent("", "jobA"))
	waitFor(t, "jobA completion", func() bool {
		got, _ := h.mgr.Get(sessions[0].snap.Token)
		return got.State == StateCompleted
	})

	if h.resultCount() != 2 {
		t.Errorf("result callbacks = %d, want 2", h.resultCount())
	}

	if !h.mgr.Forget(sessions[0].snap.Token) {
		t.Error("Forget rejected a terminal job")
	}
	if _, ok := h.mgr.Get(sessions[0].snap.Token); ok {
		t.Error("forgotten job still tracked")
	}
}

func TestForgetKeepsActiveJobs(t *testing.T) {
	h := newHarness(t)
	h.renderer.artifacts["job1"] = []comfy.Artifact{{Filename: "a.png", Type: "output"}}

	snap := h.start(t)
	if h.mgr.Forget(snap.Token) {
		t.Error("Forget removed a job that is still running")
	}
	if _, ok := h.mgr.Get(snap.Token); !ok {
		t.Fatal("active job dropped from the table")
	}

	h.handler.OnEvent(executingEvent("", "job1"))
	waitFor(t, "completion", func() bool {
		got, _ := h.mgr.Get(snap.Token)
		return got.State == StateCompleted
	})

	if !h.mgr.Forget(snap.Token) {
		t.Error("Forget rejected the completed job")
	}
	if h.mgr.Forget(snap.Token) {
		t.Error("Forget reported removal of an unknown token")
	}
	if got := h.mgr.Jobs(); len(got) != 0 {
		t.Errorf("jobs still tracked after Forget: %d", len(got))
	}
}
