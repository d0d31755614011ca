package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

const (
	hookA = "https://hooks.seller-one.example/settlement"
	hookB = "https://hooks.seller-two.example/settlement"
)

func TestBreaker_ClosedByDefault(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(hookA) {
		t.Fatal("new endpoint should start closed")
	}
	if b.State("https://never-seen.example/hook") != StateClosed {
		t.Fatal("unseen endpoint should report closed")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	if !b.Allow(hookA) {
		t.Fatal("two failures should not trip a threshold of three")
	}

	b.RecordFailure(hookA)
	if b.Allow(hookA) {
		t.Fatal("third failure should open the circuit")
	}
	if b.State(hookA) != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State(hookA))
	}
}

func TestBreaker_SingleProbeAfterOpenDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	if b.Allow(hookA) {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow(hookA) {
		t.Fatal("one probe should pass once the open window elapses")
	}
	if b.State(hookA) != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State(hookA))
	}
	if b.Allow(hookA) {
		t.Fatal("only one delivery may probe a half-open endpoint")
	}
}

func TestBreaker_ProbeOutcomeDecides(t *testing.T) {
	open := func() *Breaker {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure(hookA)
		b.RecordFailure(hookA)
		time.Sleep(60 * time.Millisecond)
		b.Allow(hookA) // half-open
		return b
	}

	b := open()
	b.RecordSuccess(hookA)
	if b.State(hookA) != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State(hookA))
	}
	if !b.Allow(hookA) {
		t.Fatal("recovered endpoint should accept deliveries")
	}

	b = open()
	b.RecordFailure(hookA)
	if b.State(hookA) != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State(hookA))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)
	b.RecordSuccess(hookA)

	// The counter restarted, so one more failure is not enough to trip.
	b.RecordFailure(hookA)
	if !b.Allow(hookA) {
		t.Fatal("circuit should still be closed after the counter reset")
	}
}

func TestBreaker_EndpointsAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)

	if b.Allow(hookA) {
		t.Fatal("failing endpoint should be open")
	}
	if !b.Allow(hookB) {
		t.Fatal("a dead endpoint must not block deliveries to another seller")
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(hookA)
	b.RecordFailure(hookA)

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
