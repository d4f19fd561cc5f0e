package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
)

// State is the lifecycle position of one job.
type State string

const (
	StateSubmitting State = "submitting"
	StateInProgress State = "in_progress"
	StateFetching   State = "fetching"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Submitter queues a workflow on the renderer.
type Submitter interface {
	QueuePrompt(ctx context.Context, workflow interface{}, clientID string) (*comfy.QueuedPrompt, error)
}

// Fetcher reads the result listing for a finished prompt.
type Fetcher interface {
	History(ctx context.Context, promptID string) ([]comfy.Artifact, error)
}

// Subscription is an open event channel that can be torn down.
type Subscription interface {
	Close()
}

// DialFunc opens the renderer event channel for a session token. The
// channel must be open before the corresponding submission so no events
// are missed.
type DialFunc func(clientID string, handler comfy.EventHandler) (Subscription, error)

// Snapshot is an immutable view of one job handed to listeners.
type Snapshot struct {
	Token          string           `json:"token"`
	PromptID       string           `json:"promptId"`
	State          State            `json:"state"`
	Percent        int              `json:"percent"`
	Value          int              `json:"value"`
	Max            int              `json:"max"`
	Error          string           `json:"error,omitempty"`
	Artifacts      []comfy.Artifact `json:"artifacts,omitempty"`
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negativePrompt"`
	Settings       Settings         `json:"settings"`
	StartedAt      time.Time        `json:"startedAt"`
}

// StartRequest is everything Manager needs to launch one job. Workflow is
// the already-built renderer graph; building and validation happen before
// submission so a bad request never opens a channel.
type StartRequest struct {
	Prompt         string
	NegativePrompt string
	Settings       Settings
	Workflow       interface{}
}

// UpdateFunc observes every job state change.
type UpdateFunc func(Snapshot)

// ResultFunc receives the artifacts of a completed job exactly once.
type ResultFunc func(Snapshot, []comfy.Artifact)

// Manager tracks every in-flight generation job, keyed by session token.
// Jobs are independent: each owns its event channel subscription and its
// own reconciliation state, so concurrent submissions do not interfere.
type Manager struct {
	submit       Submitter
	fetch        Fetcher
	dial         DialFunc
	graceDelay   time.Duration
	fetchTimeout time.Duration
	tokenPrefix  string

	onUpdate UpdateFunc
	onResult ResultFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Submitter   Submitter
	Fetcher     Fetcher
	Dial        DialFunc
	TokenPrefix string
	// GraceDelay is the wait before a 100%-progress fallback fetch, giving
	// the definitive completion event a chance to arrive first.
	GraceDelay   time.Duration
	FetchTimeout time.Duration
	OnUpdate     UpdateFunc
	OnResult     ResultFunc
}

// NewManager creates a Manager. OnUpdate and OnResult may be nil.
func NewManager(opts ManagerOptions) *Manager {
	if opts.GraceDelay == 0 {
		opts.GraceDelay = time.Second
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.TokenPrefix == "" {
		opts.TokenPrefix = "kiko-creator"
	}
	if opts.OnUpdate == nil {
		opts.OnUpdate = func(Snapshot) {}
	}
	if opts.OnResult == nil {
		opts.OnResult = func(Snapshot, []comfy.Artifact) {}
	}
	return &Manager{
		submit:       opts.Submitter,
		fetch:        opts.Fetcher,
		dial:         opts.Dial,
		graceDelay:   opts.GraceDelay,
		fetchTimeout: opts.FetchTimeout,
		tokenPrefix:  opts.TokenPrefix,
		onUpdate:     opts.OnUpdate,
		onResult:     opts.OnResult,
		jobs:         make(map[string]*job),
	}
}

// job is the mutable per-submission state. All fields are guarded by mu;
// the reconciler methods run on the socket read goroutine and on fetch
// goroutines.
type job struct {
	mu sync.Mutex

	m     *Manager
	token string

	promptID  string
	state     State
	percent   int
	value     int
	max       int
	err       string
	artifacts []comfy.Artifact

	prompt         string
	negativePrompt string
	settings       Settings
	startedAt      time.Time

	sub Subscription
	// fetched holds prompt ids a result fetch was already started for;
	// overlapping completion signals for the same id are no-ops.
	fetched map[string]bool
}

func (j *job) snapshotLocked() Snapshot {
	return Snapshot{
		Token:          j.token,
		PromptID:       j.promptID,
		State:          j.state,
		Percent:        j.percent,
		Value:          j.value,
		Max:            j.max,
		Error:          j.err,
		Artifacts:      j.artifacts,
		Prompt:         j.prompt,
		NegativePrompt: j.negativePrompt,
		Settings:       j.settings.Clone(),
		StartedAt:      j.startedAt,
	}
}

// Start submits one job: mint a session token, open the event channel,
// then queue the workflow correlated by that token.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	token := fmt.Sprintf("%s-%s", m.tokenPrefix, uuid.NewString())

	j := &job{
		m:              m,
		token:          token,
		state:          StateSubmitting,
		prompt:         req.Prompt,
		negativePrompt: req.NegativePrompt,
		settings:       req.Settings.Clone(),
		startedAt:      time.Now(),
		fetched:        make(map[string]bool),
	}

	m.mu.Lock()
	m.jobs[token] = j
	m.mu.Unlock()

	// Channel first, submission second: renderer events for this token
	// must have somewhere to land before the job can start executing.
	sub, err := m.dial(token, j)
	if err != nil {
		j.fail(fmt.Sprintf("failed to open renderer event channel: %v", err))
		return j.Snapshot(), fmt.Errorf("failed to open renderer event channel: %w", err)
	}
	j.mu.Lock()
	j.sub = sub
	j.mu.Unlock()

	queued, err := m.submit.QueuePrompt(ctx, req.Workflow, token)
	if err != nil {
		j.fail(err.Error())
		return j.Snapshot(), err
	}

	j.mu.Lock()
	j.promptID = queued.PromptID
	j.state = StateInProgress
	snap := j.snapshotLocked()
	j.mu.Unlock()

	logger.Info("Generation job submitted", "token", token, "prompt_id", queued.PromptID)
	m.onUpdate(snap)
	return snap, nil
}

// Get returns the snapshot for a session token.
func (m *Manager) Get(token string) (Snapshot, bool) {
	m.mu.Lock()
	j, ok := m.jobs[token]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Jobs lists every tracked job, newest first.
func (m *Manager) Jobs() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// Cancel stops observing a job. The renderer keeps executing out-of-band;
// there is no abort request to send.
func (m *Manager) Cancel(token string) bool {
	m.mu.Lock()
	j, ok := m.jobs[token]
	m.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.state = StateCancelled
	sub := j.sub
	snap := j.snapshotLocked()
	j.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	m.onUpdate(snap)
	return true
}

// Forget drops a terminal job from the table so finished jobs do not
// accumulate for the life of the process. Active jobs stay tracked;
// Forget reports whether the job was removed.
func (m *Manager) Forget(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[token]
	if !ok {
		return false
	}
	j.mu.Lock()
	terminal := j.state.Terminal()
	j.mu.Unlock()
	if !terminal {
		return false
	}
	delete(m.jobs, token)
	return true
}

// Snapshot returns a consistent view of the job.
func (j *job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// OnEvent reconciles one renderer event into the job state machine. Four
// distinct signals can mean "output is ready, go fetch": the executing
// event with a null node, 100% progress (after a grace delay), an empty
// queue report, and a cache hit. Any of them may fire for the same
// prompt, in any order; the fetched set makes the fetch happen once.
func (j *job) OnEvent(ev comfy.Event) {
	switch data := ev.Data.(type) {
	case *comfy.ExecutingData:
		j.mu.Lock()
		if data.PromptID != "" && j.promptID == "" {
			j.promptID = data.PromptID
		}
		match := data.PromptID == j.promptID
		j.mu.Unlock()
		if match && data.Node == nil {
			j.tryFetch(data.PromptID)
		}

	case *comfy.ProgressData:
		if data.Max <= 0 {
			return
		}
		percent := data.Value * 100 / data.Max
		j.mu.Lock()
		if j.state.Terminal() {
			j.mu.Unlock()
			return
		}
		j.value, j.max = data.Value, data.Max
		// Never let displayed progress move backwards within a job.
		if percent > j.percent {
			j.percent = percent
		}
		promptID := j.promptID
		snap := j.snapshotLocked()
		j.mu.Unlock()

		j.m.onUpdate(snap)
		if percent >= 100 && promptID != "" {
			// Fallback: the null-node event normally lands first and wins
			// the dedup race; the delay keeps this path from fetching a
			// listing the renderer has not written yet.
			time.AfterFunc(j.m.graceDelay, func() {
				j.tryFetch(promptID)
			})
		}

	case *comfy.StatusData:
		j.mu.Lock()
		promptID := j.promptID
		j.mu.Unlock()
		if data.Status.ExecInfo.QueueRemaining == 0 && promptID != "" {
			j.tryFetch(promptID)
		}

	case *comfy.CachedData:
		// Cached prompts skip executing/progress entirely; this event is
		// the only completion signal they get.
		j.mu.Lock()
		if data.PromptID != "" && j.promptID == "" {
			j.promptID = data.PromptID
		}
		match := data.PromptID == j.promptID
		j.mu.Unlock()
		if match {
			j.tryFetch(data.PromptID)
		}

	case *comfy.ExecutionErrorData:
		j.mu.Lock()
		match := j.promptID == "" || data.PromptID == j.promptID
		j.mu.Unlock()
		if !match {
			return
		}
		msg := data.ExceptionMessage
		if msg == "" {
			msg = "generation failed"
		}
		j.fail(msg)
	}
}

// OnClosed handles the event channel dying underneath an active job.
func (j *job) OnClosed(err error) {
	if err == nil {
		return
	}
	j.mu.Lock()
	terminal := j.state.Terminal()
	j.mu.Unlock()
	if !terminal {
		j.fail(fmt.Sprintf("renderer event channel closed: %v", err))
	}
}

// tryFetch starts the one result fetch for promptID unless a fetch for it
// already ran. Runs the fetch on its own goroutine so the socket read
// loop is never blocked.
func (j *job) tryFetch(promptID string) {
	j.mu.Lock()
	if j.state.Terminal() || j.fetched[promptID] {
		j.mu.Unlock()
		return
	}
	j.fetched[promptID] = true
	j.state = StateFetching
	snap := j.snapshotLocked()
	j.mu.Unlock()

	j.m.onUpdate(snap)
	go j.runFetch(promptID)
}

func (j *job) runFetch(promptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), j.m.fetchTimeout)
	defer cancel()

	artifacts, err := j.m.fetch.History(ctx, promptID)
	if err != nil {
		j.fail(fmt.Sprintf("failed to fetch results: %v", err))
		return
	}
	if len(artifacts) == 0 {
		// The listing has no entry yet: a stray queue-empty report can
		// arrive before this prompt ever ran. Re-arm and keep listening.
		j.mu.Lock()
		if j.state == StateFetching {
			delete(j.fetched, promptID)
			j.state = StateInProgress
		}
		j.mu.Unlock()
		return
	}

	j.complete(artifacts)
}

func (j *job) complete(artifacts []comfy.Artifact) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = StateCompleted
	j.percent = 100
	j.artifacts = artifacts
	sub := j.sub
	snap := j.snapshotLocked()
	j.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	logger.Info("Generation job completed", "token", j.token, "artifacts", len(artifacts))
	j.m.onResult(snap, artifacts)
	j.m.onUpdate(snap)
}

// fail moves the job to its failed terminal state and closes the channel.
// Idempotent: the first failure wins.
func (j *job) fail(msg string) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = StateFailed
	j.err = msg
	sub := j.sub
	snap := j.snapshotLocked()
	j.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	logger.Warn("Generation job failed", "token", j.token, "error", strings.TrimSpace(msg))
	j.m.onUpdate(snap)
}
