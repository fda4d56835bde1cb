package geoloc

import (
	"sync"
	"time"
)

// LoadEvent is emitted by a LoadTracker.
type LoadEvent int

const (
	// LoadStarted fires when the first request begins while idle.
	LoadStarted LoadEvent = iota
	// LoadFinished fires when the last in-flight request ends.
	LoadFinished
	// LoadFailed fires for every failed request.
	LoadFailed
)

func (e LoadEvent) String() string {
	switch e {
	case LoadStarted:
		return "started"
	case LoadFinished:
		return "finished"
	case LoadFailed:
		return "failed"
	}
	return "unknown"
}

// LoadStatus is a snapshot of a LoadTracker.
type LoadStatus struct {
	InFlight  int       `json:"inFlight"`
	Started   int64     `json:"started"`
	Finished  int64     `json:"finished"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"lastError,omitempty"`
	LastEnded time.Time `json:"lastEnded,omitzero"`
}

// Busy reports whether any request is in flight.
func (s LoadStatus) Busy() bool { return s.InFlight > 0 }

// LoadTracker counts in-flight requests for the clients that share it.
// Observers are called synchronously, outside the tracker's lock.
type LoadTracker struct {
	mu       sync.Mutex
	status   LoadStatus
	observer func(LoadEvent, LoadStatus)
}

// NewLoadTracker returns a tracker that reports transitions to observer,
// which may be nil.
func NewLoadTracker(observer func(LoadEvent, LoadStatus)) *LoadTracker {
	return &LoadTracker{observer: observer}
}

// Begin records the start of a request and returns the function that ends
// it. Pass the request's error (or nil) to the returned function.
func (t *LoadTracker) Begin() func(error) {
	if t == nil {
		return func(error) {}
	}

	t.mu.Lock()
	t.status.InFlight++
	t.status.Started++
	first := t.status.InFlight == 1
	snap := t.status
	t.mu.Unlock()

	if first {
		t.notify(LoadStarted, snap)
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { t.end(err) })
	}
}

func (t *LoadTracker) end(err error) {
	t.mu.Lock()
	t.status.InFlight--
	t.status.LastEnded = time.Now()
	if err != nil {
		t.status.Failed++
		t.status.LastError = err.Error()
	} else {
		t.status.Finished++
	}
	idle := t.status.InFlight == 0
	snap := t.status
	t.mu.Unlock()

	if err != nil {
		t.notify(LoadFailed, snap)
	}
	if idle {
		t.notify(LoadFinished, snap)
	}
}

// Status returns the current counters.
func (t *LoadTracker) Status() LoadStatus {
	if t == nil {
		return LoadStatus{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *LoadTracker) notify(e LoadEvent, s LoadStatus) {
	if t.observer != nil {
		t.observer(e, s)
	}
}
