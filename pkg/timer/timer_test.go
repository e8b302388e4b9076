package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/model"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) fire(instanceID string, t *model.Transition) {
	r.mu.Lock()
	r.fired = append(r.fired, instanceID+"/"+t.Event)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduleFires(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	tr := &model.Transition{From: "waiting", To: "expired", Event: "timeout"}
	s.Schedule("i1", "waiting", tr, 20*time.Millisecond)

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	if s.Has("i1", "waiting", "timeout") {
		t.Fatal("fired timer still armed")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	tr := &model.Transition{From: "waiting", To: "expired", Event: "timeout"}
	s.Schedule("i1", "waiting", tr, 30*time.Millisecond)
	s.Cancel("i1", "waiting")

	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled timer fired %d times", rec.count())
	}
}

func TestRearmReplaces(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	tr := &model.Transition{From: "waiting", To: "expired", Event: "timeout"}
	s.Schedule("i1", "waiting", tr, 30*time.Millisecond)
	s.Schedule("i1", "waiting", tr, 30*time.Millisecond)

	waitFor(t, time.Second, func() bool { return rec.count() >= 1 })
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("rearmed timer fired %d times, want 1", rec.count())
	}
}

func TestScheduleAtPastFiresImmediately(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	tr := &model.Transition{From: "waiting", To: "expired", Event: "timeout"}
	s.ScheduleAt("i1", "waiting", tr, time.Now().Add(-time.Minute))

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
}

func TestPendingReportsArmedTimers(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	due := time.Now().Add(time.Hour)
	tr := &model.Transition{From: "waiting", To: "expired", Event: "timeout"}
	s.ScheduleAt("i1", "waiting", tr, due)

	pending := s.Pending("i1")
	if len(pending) != 1 {
		t.Fatalf("got %d pending timers, want 1", len(pending))
	}
	p := pending[0]
	if p.State != "waiting" || p.Event != "timeout" || !p.DueAt.Equal(due) {
		t.Fatalf("pending = %+v", p)
	}
}

func TestCancelInstanceDisarmsAll(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())
	defer s.Close()

	a := &model.Transition{From: "s1", To: "s2", Event: "t1"}
	b := &model.Transition{From: "s3", To: "s4", Event: "t2"}
	s.Schedule("i1", "s1", a, 30*time.Millisecond)
	s.Schedule("i1", "s3", b, 30*time.Millisecond)
	s.CancelInstance("i1")

	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled instance fired %d timers", rec.count())
	}
	if len(s.Pending("i1")) != 0 {
		t.Fatal("pending timers survive CancelInstance")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	rec := &recorder{}
	s := NewService(rec.fire, core.NopLogger())

	tr := &model.Transition{From: "s1", To: "s2", Event: "t1"}
	s.Schedule("i1", "s1", tr, 30*time.Millisecond)
	s.Close()

	// Scheduling after close is ignored.
	s.Schedule("i2", "s1", tr, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("closed service fired %d timers", rec.count())
	}
}
