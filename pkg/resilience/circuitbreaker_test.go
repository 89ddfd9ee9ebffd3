package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

var errBackend = errors.New("backend down")

func failing() error { return errBackend }
func succeeding() error { return nil }

func newTestBreaker(maxFailures int, openFor time.Duration) (*CircuitBreaker, *fakeNow) {
	clock := &fakeNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker(maxFailures, openFor, WithNow(clock.now)), clock
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	if cb.State() != StateClosed {
		t.Errorf("expected initial state to be closed, got %v", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected no failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not run the call")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	_ = cb.Execute(failing)
	_ = cb.Execute(succeeding)
	_ = cb.Execute(failing)
	if cb.State() != StateClosed {
		t.Fatalf("failures are consecutive, expected closed, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{name: "success closes", probe: succeeding, want: StateClosed},
		{name: "failure reopens", probe: failing, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, 10*time.Second)
			_ = cb.Execute(failing)

			clock.advance(9 * time.Second)
			if cb.Allow() {
				t.Fatal("breaker must stay open before openFor elapses")
			}

			clock.advance(time.Second)
			_ = cb.Execute(tt.probe)
			if cb.State() != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_TransitionHook(t *testing.T) {
	var transitions []string
	clock := &fakeNow{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(1, time.Second, WithNow(clock.now), WithTransitionHook(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}))

	_ = cb.Execute(failing)
	clock.advance(time.Second)
	_ = cb.Execute(succeeding)
	_ = cb.Execute(failing)
	cb.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed", "closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestState_String(t *testing.T) {
	if State(42).String() != "unknown" {
		t.Fatalf("unexpected %q", State(42).String())
	}
}
