package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sim800gw/driver/job"
	"github.com/sim800gw/driver/supervisor"
)

// fakeEngine answers every job according to a per-type script, so the
// cold-boot sequence can be driven without a real transport or command
// engine underneath.
type fakeEngine struct {
	mu       sync.Mutex
	handlers map[job.Type]func(*job.Job)
	execs    []*job.Job
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handlers: make(map[job.Type]func(*job.Job))}
}

func (f *fakeEngine) on(typ job.Type, fn func(*job.Job)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[typ] = fn
}

func (f *fakeEngine) Exec(j *job.Job) (*job.Future, error) {
	f.mu.Lock()
	f.execs = append(f.execs, j)
	fn := f.handlers[j.Type]
	f.mu.Unlock()

	if fn != nil {
		fn(j)
	} else {
		j.Complete(job.Result{})
	}
	return j.Future(), nil
}

func (f *fakeEngine) count(typ job.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.execs {
		if j.Type == typ {
			n++
		}
	}
	return n
}

func happyPathEngine() *fakeEngine {
	eng := newFakeEngine()
	eng.on(job.TypeCheckPin, func(j *job.Job) {
		j.Complete(job.Result{Data: "READY"})
	})
	eng.on(job.TypeCheckNetwork, func(j *job.Job) {
		j.Complete(job.Result{Data: job.NetworkState{Action: 0, Status: 1}})
	})
	return eng
}

func TestSupervisor_RunCompletesInit(t *testing.T) {
	eng := happyPathEngine()
	cfg := supervisor.NewConfigBuilder().
		WithNetworkCheckInterval(time.Hour).
		WithBrownoutCheckInterval(time.Hour).
		Build()
	sup := supervisor.New(eng, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := sup.Subscribe(ctx)
	var kinds []supervisor.EventKind
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}()

	err := sup.Run(ctx)
	assert.NoError(t, err)
	<-done

	st := sup.State()
	assert.True(t, st.Initialized)
	assert.True(t, st.SimUnlocked)
	assert.True(t, st.NetworkReady)
	assert.Contains(t, kinds, supervisor.EventModemReady)
	assert.Contains(t, kinds, supervisor.EventInitialized)
	assert.Contains(t, kinds, supervisor.EventSimUnlocked)
	assert.Contains(t, kinds, supervisor.EventNetworkReady)
}

func TestSupervisor_PinRequiredWithoutConfiguredPINFails(t *testing.T) {
	eng := newFakeEngine()
	eng.on(job.TypeCheckPin, func(j *job.Job) {
		j.Fail(job.ErrPinRequired, job.Result{})
	})
	cfg := supervisor.NewConfigBuilder().WithMaxInitRetries(1).Build()
	sup := supervisor.New(eng, cfg)

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrFatal)
}

func TestSupervisor_UnlocksWithConfiguredPIN(t *testing.T) {
	eng := newFakeEngine()
	first := true
	eng.on(job.TypeCheckPin, func(j *job.Job) {
		if first {
			first = false
			j.Fail(job.ErrPinRequired, job.Result{})
			return
		}
		j.Complete(job.Result{Data: "READY"})
	})
	eng.on(job.TypePinUnlock, func(j *job.Job) {
		j.Complete(job.Result{Data: "READY"})
	})
	eng.on(job.TypeCheckNetwork, func(j *job.Job) {
		j.Complete(job.Result{Data: job.NetworkState{Status: 1}})
	})

	cfg := supervisor.NewConfigBuilder().
		WithSimPIN("1234").
		WithNetworkCheckInterval(time.Hour).
		WithBrownoutCheckInterval(time.Hour).
		Build()
	sup := supervisor.New(eng, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	assert.Equal(t, 1, eng.count(job.TypePinUnlock))
	assert.True(t, sup.State().SimUnlocked)
}

func TestSupervisor_ResetClearsQueueAndBumpsCounter(t *testing.T) {
	eng := happyPathEngine()
	var cleared bool
	var mu sync.Mutex
	cfg := supervisor.NewConfigBuilder().WithResetSettle(10 * time.Millisecond).Build()
	sup := supervisor.New(eng, cfg, supervisor.WithQueueClearer(func() {
		mu.Lock()
		cleared = true
		mu.Unlock()
	}))

	eng.on(job.TypeReset, func(j *job.Job) {
		// Exercise the real ResetHandler wiring the supervisor installs,
		// rather than short-circuiting straight to Complete.
		if starter, ok := j.Handler.(job.Starter); ok {
			starter.Start(j)
		}
	})

	err := sup.Reset(context.Background(), "test")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, cleared)
	st := sup.State()
	assert.Equal(t, 1, st.ResetNumber)
	assert.Equal(t, 0, st.RetryNumber)
	assert.Equal(t, 0, st.NetworkRetry)
	assert.Equal(t, 0, st.BrownoutNumber)
}

func TestSupervisor_ResetFailsPermanentlyAfterMaxResets(t *testing.T) {
	eng := happyPathEngine()
	eng.on(job.TypeReset, func(j *job.Job) {
		if starter, ok := j.Handler.(job.Starter); ok {
			starter.Start(j)
		}
	})
	cfg := supervisor.NewConfigBuilder().WithMaxResets(1).WithResetSettle(10 * time.Millisecond).Build()
	sup := supervisor.New(eng, cfg)

	require.NoError(t, sup.Reset(context.Background(), "first"))
	err := sup.Reset(context.Background(), "second")
	assert.ErrorIs(t, err, supervisor.ErrFatal)
}

func TestSupervisor_BrownoutResetsOnlyAfterThreshold(t *testing.T) {
	eng := happyPathEngine()
	var mu sync.Mutex
	var probeCalls, callsAtReset int
	eng.on(job.TypeCheckModem, func(j *job.Job) {
		if j.ID != "brownout-probe" {
			j.Complete(job.Result{})
			return
		}
		mu.Lock()
		probeCalls++
		mu.Unlock()
		j.Fail(errors.New("no response"), job.Result{})
	})

	cfg := supervisor.NewConfigBuilder().
		WithNetworkCheckInterval(time.Hour).
		WithBrownoutCheckInterval(10 * time.Millisecond).
		WithMaxBrownouts(2).
		WithResetSettle(10 * time.Millisecond).
		Build()
	sup := supervisor.New(eng, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events := sup.Subscribe(ctx)
	var kinds []supervisor.EventKind
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			kinds = append(kinds, ev.Kind)
			if ev.Kind == supervisor.EventReset {
				mu.Lock()
				callsAtReset = probeCalls
				mu.Unlock()
			}
		}
	}()

	sup.Run(ctx)
	<-done

	assert.Contains(t, kinds, supervisor.EventBrownout)
	assert.Contains(t, kinds, supervisor.EventReset)
	// MaxBrownouts is 2, so the reset must not fire until the 3rd failed
	// probe (brownoutNumber > 2), not on the first.
	assert.GreaterOrEqual(t, callsAtReset, 3)
	assert.Equal(t, 0, sup.State().BrownoutNumber)
}

func TestSupervisor_BrownoutZeroesOnSuccessfulProbe(t *testing.T) {
	eng := happyPathEngine()
	var mu sync.Mutex
	calls := 0
	eng.on(job.TypeCheckModem, func(j *job.Job) {
		if j.ID != "brownout-probe" {
			j.Complete(job.Result{})
			return
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			j.Fail(errors.New("no response"), job.Result{})
			return
		}
		j.Complete(job.Result{})
	})

	cfg := supervisor.NewConfigBuilder().
		WithNetworkCheckInterval(time.Hour).
		WithBrownoutCheckInterval(10 * time.Millisecond).
		WithMaxBrownouts(5).
		Build()
	sup := supervisor.New(eng, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	assert.Equal(t, 0, sup.State().ResetNumber)
	assert.Equal(t, 0, sup.State().BrownoutNumber)
}

func TestSupervisor_NetworkLossResetsAfterThreshold(t *testing.T) {
	eng := happyPathEngine()
	var mu sync.Mutex
	calls := 0
	eng.on(job.TypeCheckNetwork, func(j *job.Job) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// the cold-boot sequence's own check: registered.
			j.Complete(job.Result{Data: job.NetworkState{Status: 1}})
			return
		}
		// every monitor tick thereafter: not registered.
		j.Complete(job.Result{Data: job.NetworkState{Status: 0}})
	})

	cfg := supervisor.NewConfigBuilder().
		WithNetworkCheckInterval(10 * time.Millisecond).
		WithBrownoutCheckInterval(time.Hour).
		WithMaxNetworkRetries(2).
		WithResetSettle(10 * time.Millisecond).
		Build()
	sup := supervisor.New(eng, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events := sup.Subscribe(ctx)
	var kinds []supervisor.EventKind
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}()

	sup.Run(ctx)
	<-done

	assert.Contains(t, kinds, supervisor.EventNetworkLost)
	assert.Contains(t, kinds, supervisor.EventReset)
	assert.GreaterOrEqual(t, sup.State().ResetNumber, 1)
}

func TestSupervisor_ResetAbortsInputWithCRThenEsc(t *testing.T) {
	eng := happyPathEngine()
	var abortBody []byte
	eng.on(job.TypeAbortInput, func(j *job.Job) {
		abortBody = j.Command
		j.Complete(job.Result{})
	})
	eng.on(job.TypeReset, func(j *job.Job) {
		if starter, ok := j.Handler.(job.Starter); ok {
			starter.Start(j)
		}
	})
	cfg := supervisor.NewConfigBuilder().WithResetSettle(10 * time.Millisecond).Build()
	sup := supervisor.New(eng, cfg)

	require.NoError(t, sup.Reset(context.Background(), "test"))
	assert.Equal(t, []byte{0x0D, 0x1B}, abortBody)
}
