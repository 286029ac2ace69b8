package timer

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/smfctl/internal/testutil/testlog"
)

func TestDeriveDefaultPolicy(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	if p.SBI.ClientWait != 2*time.Second {
		t.Fatalf("client wait got=%v", p.SBI.ClientWait)
	}
	if p.SBI.ConnectionDeadline != 3*time.Second {
		t.Fatalf("connection deadline got=%v", p.SBI.ConnectionDeadline)
	}
	if p.SBI.NFRegisterInterval != 3*time.Second {
		t.Fatalf("nf register interval got=%v", p.SBI.NFRegisterInterval)
	}
	if p.PFCP.ResponseDuration != 500*time.Millisecond {
		t.Fatalf("pfcp t1 got=%v", p.PFCP.ResponseDuration)
	}
	if p.PFCP.HoldingDuration != 1500*time.Millisecond {
		t.Fatalf("pfcp t1 holding got=%v", p.PFCP.HoldingDuration)
	}
	if p.PFCP.NoHeartbeatDuration != 10*time.Second {
		t.Fatalf("pfcp no heartbeat got=%v", p.PFCP.NoHeartbeatDuration)
	}
	if p.SBI.Retry.ResponseCount != 2 || p.SBI.Retry.ResponseDuration != 2*time.Second/3 {
		t.Fatalf("sbi retry got=%+v", p.SBI.Retry)
	}
	if p.GTP.ResponseCount != 3 || p.GTP.HoldingCount != 1 {
		t.Fatalf("gtp counts got=%+v", p.GTP.RetryPolicy)
	}
}

func TestDeriveLongDurationRaisesFloors(t *testing.T) {
	testlog.Start(t)
	p, err := Derive(12 * time.Second)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if p.SBI.NFRegisterInterval != 13*time.Second {
		t.Fatalf("nf register interval got=%v", p.SBI.NFRegisterInterval)
	}
	if p.PFCP.NoHeartbeatDuration != 13*time.Second {
		t.Fatalf("no heartbeat got=%v", p.PFCP.NoHeartbeatDuration)
	}
	if p.GTP.ResponseDuration != 3*time.Second {
		t.Fatalf("gtp t3 got=%v", p.GTP.ResponseDuration)
	}
}

func TestDeriveRejectsZero(t *testing.T) {
	testlog.Start(t)
	if _, err := Derive(0); !errors.Is(err, ErrInvalidMessageDuration) {
		t.Fatalf("expected ErrInvalidMessageDuration, got %v", err)
	}
	if _, err := Derive(3 * time.Nanosecond); !errors.Is(err, ErrInvalidMessageDuration) {
		t.Fatalf("expected too-small duration rejection, got %v", err)
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	testlog.Start(t)
	b := Backoff{Base: 250 * time.Millisecond, Cap: 5 * time.Second}
	cases := map[int]time.Duration{
		0: 0,
		1: 250 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
		40: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := b.Delay(attempt, nil); got != want {
			t.Fatalf("attempt %d got=%v want=%v", attempt, got, want)
		}
	}
	if got := (Backoff{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero base got=%v", got)
	}
}

func TestRetryPolicyBackoffStaysInBudget(t *testing.T) {
	testlog.Start(t)
	p := DefaultPolicy()
	b := p.PFCP.Backoff()
	if b.Base != p.PFCP.ResponseDuration || b.Cap != p.PFCP.HoldingDuration {
		t.Fatalf("pfcp backoff got=%+v", b)
	}
	if b.Spread != 0.25 {
		t.Fatalf("pfcp spread got=%v", b.Spread)
	}

	peer := p.PeerBackoff()
	if peer != p.SBI.Retry.Backoff() {
		t.Fatalf("peer backoff got=%+v", peer)
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := peer.Delay(attempt, rng)
			lo := time.Duration(float64(peer.Base) * (1 - peer.Spread))
			hi := time.Duration(float64(peer.Cap) * (1 + peer.Spread))
			if d < lo || d > hi {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestSchedulerFiresOnce(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Int32
	done := make(chan struct{})
	s.Arm("sess.1/modify", 5*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
	if s.Pending() != 0 {
		t.Fatalf("fired timer should be released, pending=%d", s.Pending())
	}
	if fired.Load() != 1 {
		t.Fatalf("fired=%d", fired.Load())
	}
}

func TestSchedulerDisarmAndRearm(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler()
	defer s.Stop()

	var first atomic.Bool
	s.Arm("k", 20*time.Millisecond, func() { first.Store(true) })
	if !s.Disarm("k") {
		t.Fatalf("expected pending timer")
	}
	if s.Disarm("k") {
		t.Fatalf("second disarm should be a no-op")
	}

	done := make(chan struct{})
	s.Arm("k", time.Hour, func() { t.Errorf("replaced timer fired") })
	s.Arm("k", 5*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("rearmed timer did not fire")
	}
	time.Sleep(30 * time.Millisecond)
	if first.Load() {
		t.Fatalf("disarmed timer fired")
	}
}

func TestSchedulerStopRejectsArm(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler()
	s.Arm("a", time.Hour, func() {})
	s.Stop()
	if s.Pending() != 0 {
		t.Fatalf("stop should drop timers")
	}
	if s.Arm("b", time.Millisecond, func() {}) {
		t.Fatalf("arm after stop should fail")
	}
}
