package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	s := New()

	steps := []struct {
		name string
		op   func()
		want State
	}{
		{"initial", func() {}, StateIdle},
		{"pause before start is ignored", s.Pause, StateIdle},
		{"start", s.Start, StateCapturing},
		{"start twice", s.Start, StateCapturing},
		{"pause", s.Pause, StatePaused},
		{"pause twice", s.Pause, StatePaused},
		{"resume", s.Start, StateCapturing},
		{"end", s.End, StateStopped},
		{"start after end is ignored", s.Start, StateStopped},
		{"pause after end is ignored", s.Pause, StateStopped},
		{"end twice", s.End, StateStopped},
	}

	for _, step := range steps {
		step.op()
		if got := s.State(); got != step.want {
			t.Fatalf("%s: State() = %v, want %v", step.name, got, step.want)
		}
	}
}

func TestWait_BlocksUntilStart(t *testing.T) {
	s := New()
	passed := make(chan bool, 1)

	go func() {
		passed <- s.Wait()
	}()

	select {
	case <-passed:
		t.Fatal("Wait() returned before Start()")
	case <-time.After(50 * time.Millisecond):
	}

	s.Start()

	select {
	case stop := <-passed:
		if stop {
			t.Error("Wait() reported stop after Start()")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Start()")
	}
}

// TestEnd_UnblocksPausedWaiters checks that End releases both pipeline
// goroutines even when the session was last paused.
func TestEnd_UnblocksPausedWaiters(t *testing.T) {
	s := New()
	s.Start()
	s.Pause()

	var wg sync.WaitGroup
	var stopped atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if s.Wait() {
					stopped.Add(1)
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	s.End()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters still blocked after End()")
	}
	if stopped.Load() != 2 {
		t.Errorf("stopped = %d, want 2", stopped.Load())
	}
	t.Logf("✅ End() released both paused waiters")
}

func TestEnd_BeforeStart(t *testing.T) {
	s := New()
	result := make(chan bool, 1)
	go func() { result <- s.Wait() }()

	time.Sleep(10 * time.Millisecond)
	s.End()

	select {
	case stop := <-result:
		if !stop {
			t.Error("Wait() should report stop after End()")
		}
	case <-time.After(time.Second):
		t.Fatal("End() before Start() did not unblock Wait()")
	}
}

func TestEnd_TakesPrecedenceOverCapture(t *testing.T) {
	s := New()
	s.Start()
	s.End()
	if !s.Wait() {
		t.Error("Wait() must report stop once End() was called, even while capture is enabled")
	}
}

func TestDone(t *testing.T) {
	s := New()
	select {
	case <-s.Done():
		t.Fatal("Done() closed before End()")
	default:
	}
	s.End()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after End()")
	}
}

func TestLastResume(t *testing.T) {
	s := New()
	s.Start()
	if epoch, at := s.LastResume(); epoch != 0 || !at.IsZero() {
		t.Errorf("first Start() must not count as a resume, got epoch=%d at=%v", epoch, at)
	}

	s.Pause()
	before := time.Now()
	s.Start()
	epoch, at := s.LastResume()
	if epoch != 1 {
		t.Errorf("epoch = %d, want 1", epoch)
	}
	if at.Before(before) {
		t.Errorf("resume time %v is before the resume call %v", at, before)
	}

	s.Start() // already capturing, not a resume
	if epoch, _ := s.LastResume(); epoch != 1 {
		t.Errorf("epoch = %d after redundant Start(), want 1", epoch)
	}
}

func TestOnStateChange(t *testing.T) {
	s := New()
	var got []State
	s.OnStateChange(func(st State) { got = append(got, st) })

	s.Start()
	s.Pause()
	s.Pause()
	s.Start()
	s.End()

	want := []State{StateCapturing, StatePaused, StateCapturing, StateStopped}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConcurrentControl(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					s.Start()
				} else {
					s.Pause()
				}
			}
		}(i)
	}
	wg.Wait()
	s.End()

	if !s.Wait() {
		t.Error("Wait() must report stop after End()")
	}
	if s.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", s.State())
	}
}

func TestOnStateChange_OrderedUnderConcurrentControl(t *testing.T) {
	s := New()
	var mu sync.Mutex
	var got []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%2 == 0 {
					s.Start()
				} else {
					s.Pause()
				}
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("no transitions observed")
	}
	if got[0] != StateCapturing {
		t.Fatalf("first transition = %v, want capturing", got[0])
	}
	// Every notified transition changes the state, so a faithful history
	// alternates between capturing and paused.
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Fatalf("transition %d repeats %v: notifications out of order", i, got[i])
		}
	}
	if last := got[len(got)-1]; last != s.State() {
		t.Errorf("last notified state = %v, session is %v", last, s.State())
	}
	t.Logf("✅ %d transitions delivered in order", len(got))
}
