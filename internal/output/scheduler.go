package output

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduler runs one capture poller per watched session, bounded by a
// global concurrency limit. Baselines are retained across poller restarts
// so re-watching a session does not rebroadcast its whole scrollback.
type Scheduler struct {
	bridge     Capturer
	sink       Sink
	tracker    *Tracker
	interval   time.Duration
	quietAfter time.Duration
	sem        chan struct{}

	mu        sync.Mutex
	pollers   map[string]*poller
	baselines map[string]string
}

// SchedulerOpts holds parameters for creating a Scheduler.
type SchedulerOpts struct {
	Bridge     Capturer
	Sink       Sink
	Tracker    *Tracker      // optional
	Interval   time.Duration // defaults to 1s
	MaxPollers int           // concurrent captures; defaults to 32
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOpts) (*Scheduler, error) {
	if opts.Bridge == nil {
		return nil, fmt.Errorf("output: scheduler: bridge is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("output: scheduler: sink is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	maxPollers := opts.MaxPollers
	if maxPollers <= 0 {
		maxPollers = 32
	}
	return &Scheduler{
		bridge:     opts.Bridge,
		sink:       opts.Sink,
		tracker:    opts.Tracker,
		interval:   interval,
		quietAfter: 3 * interval,
		sem:        make(chan struct{}, maxPollers),
		pollers:    make(map[string]*poller),
		baselines:  make(map[string]string),
	}, nil
}

// Watch starts polling a session's pane. Idempotent.
func (s *Scheduler) Watch(ctx context.Context, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pollers[sessionID]; ok {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	s.pollers[sessionID] = p
	go s.run(pctx, sessionID, p.done)
}

// Unwatch stops the session's poller. The baseline is kept so a later
// Watch resumes from where this one left off.
func (s *Scheduler) Unwatch(sessionID string) {
	s.mu.Lock()
	p, ok := s.pollers[sessionID]
	if ok {
		delete(s.pollers, sessionID)
	}
	s.mu.Unlock()
	if ok {
		p.cancel()
		<-p.done
	}
}

// ResetBaseline re-snapshots the pane and stores it as the session's
// baseline without emitting a delta. Called after injecting text into the
// pane so the echo of the injection is not rebroadcast to its source.
func (s *Scheduler) ResetBaseline(sessionID string) error {
	capture, err := s.bridge.Capture(sessionID)
	if err != nil {
		return fmt.Errorf("output: reset baseline for %s: %w", sessionID, err)
	}
	s.mu.Lock()
	s.baselines[sessionID] = capture
	s.mu.Unlock()
	return nil
}

// Forget drops both the poller and the baseline for a closed session.
func (s *Scheduler) Forget(sessionID string) {
	s.Unwatch(sessionID)
	s.mu.Lock()
	delete(s.baselines, sessionID)
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.Forget(sessionID)
	}
}

// Watching reports whether a session currently has a poller.
func (s *Scheduler) Watching(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pollers[sessionID]
	return ok
}

// StopAll stops every poller. Baselines are retained.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ps := make([]*poller, 0, len(s.pollers))
	for id, p := range s.pollers {
		ps = append(ps, p)
		delete(s.pollers, id)
	}
	s.mu.Unlock()
	for _, p := range ps {
		p.cancel()
		<-p.done
	}
}

// remove drops a poller entry after its loop exits on its own.
func (s *Scheduler) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pollers, sessionID)
}
