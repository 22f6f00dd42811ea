package adapters

import (
	"testing"
	"time"
)

func TestDedupWindow(t *testing.T) {
	now := time.Now()
	d := newDedupWindow(5 * time.Second)
	d.now = func() time.Time { return now }

	if d.seen("s1", "m1") {
		t.Error("first observation reported as duplicate")
	}
	if !d.seen("s1", "m1") {
		t.Error("second observation within window not suppressed")
	}
	if d.seen("s1", "m2") {
		t.Error("different message id suppressed")
	}
	if d.seen("s2", "m1") {
		t.Error("different session suppressed")
	}

	now = now.Add(6 * time.Second)
	if d.seen("s1", "m1") {
		t.Error("observation past window still suppressed")
	}
}
