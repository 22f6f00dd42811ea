package output

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/InstruktAI/teleclaude/internal/adapters"
	"github.com/InstruktAI/teleclaude/internal/termbridge"
)

// Capturer snapshots a session's pane content. *termbridge.Bridge satisfies it.
type Capturer interface {
	Capture(sessionID string) (string, error)
}

// Sink receives rendered deltas. *adapters.Client satisfies it.
type Sink interface {
	Broadcast(ctx context.Context, sessionID string, r adapters.Rendering)
}

// diff returns the new content in capture relative to baseline. Appended
// output yields just the appendix; anything else (pane cleared, scrollback
// rewritten, redraw) yields the full capture.
func diff(baseline, capture string) string {
	if baseline == "" {
		return capture
	}
	if strings.HasPrefix(capture, baseline) {
		return capture[len(baseline):]
	}
	return capture
}

// poller is one session's capture loop handle.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pollOnce captures the pane, emits any delta, and advances the baseline.
// Returns termbridge.ErrPaneMissing when the pane is gone.
func (s *Scheduler) pollOnce(ctx context.Context, sessionID string) error {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	capture, err := s.bridge.Capture(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	baseline := s.baselines[sessionID]
	delta := diff(baseline, capture)
	s.baselines[sessionID] = capture
	s.mu.Unlock()

	if strings.TrimSpace(StripANSI(delta)) == "" {
		if s.tracker != nil {
			s.tracker.ObserveSilence(sessionID, s.quietAfter)
		}
		return nil
	}

	if s.tracker != nil {
		s.tracker.ObserveOutput(sessionID)
	}
	s.sink.Broadcast(ctx, sessionID, Render(delta))
	return nil
}

func (s *Scheduler) run(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx, sessionID); err != nil {
				if errors.Is(err, termbridge.ErrPaneMissing) {
					log.Printf("output: pane for session %s gone, stopping poller", sessionID)
					s.remove(sessionID)
					return
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("output: poll session %s: %v", sessionID, err)
			}
		}
	}
}
