package storage

import (
	"sync"
	"time"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
)

// Saver writes one document to durable storage.
type Saver interface {
	Save(key string, value []byte) error
}

// Debouncer coalesces rapid store mutations into one durable write per
// key. Mark schedules a write after the quiet interval; further Marks
// inside the window replace the payload, so a burst of edits costs a
// single write.
type Debouncer struct {
	saver    Saver
	interval time.Duration

	mu      sync.Mutex
	pending map[string]func() []byte
	timers  map[string]*time.Timer
	closed  bool

	// saveMu serializes Save calls so Flush can act as a barrier for
	// timer flushes already in flight.
	saveMu sync.Mutex
}

// NewDebouncer creates a Debouncer flushing through saver after interval
// of quiet per key.
func NewDebouncer(saver Saver, interval time.Duration) *Debouncer {
	return &Debouncer{
		saver:    saver,
		interval: interval,
		pending:  make(map[string]func() []byte),
		timers:   make(map[string]*time.Timer),
	}
}

// Mark records that key changed. snapshot is called at flush time, not
// now, so the write always carries the latest state.
func (d *Debouncer) Mark(key string, snapshot func() []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.pending[key] = snapshot
	if timer, ok := d.timers[key]; ok {
		timer.Reset(d.interval)
		return
	}
	d.timers[key] = time.AfterFunc(d.interval, func() {
		d.flushKey(key)
	})
}

func (d *Debouncer) flushKey(key string) {
	d.mu.Lock()
	snapshot, ok := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()
	if !ok {
		return
	}

	d.save(key, snapshot())
}

func (d *Debouncer) save(key string, value []byte) {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	if err := d.saver.Save(key, value); err != nil {
		logger.Error("Failed to persist document", "key", key, "error", err)
	}
}

// Flush writes every pending document immediately and waits for timer
// flushes already in flight. Used at shutdown and by tests that cannot
// wait out the quiet interval.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	type entry struct {
		key      string
		snapshot func() []byte
	}
	var entries []entry
	for key, snapshot := range d.pending {
		entries = append(entries, entry{key, snapshot})
		if timer, ok := d.timers[key]; ok {
			timer.Stop()
			delete(d.timers, key)
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, e := range entries {
		d.save(e.key, e.snapshot())
	}

	// Barrier for a flush the timer goroutine may be mid-way through.
	d.saveMu.Lock()
	d.saveMu.Unlock() //nolint:staticcheck
}

// Close flushes outstanding writes and rejects further Marks.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}
