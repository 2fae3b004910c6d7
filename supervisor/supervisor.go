// Package supervisor drives the modem through its cold-boot sequence,
// keeps watch over network registration and brownouts once initialized,
// and fans out lifecycle notifications to subscribers. It sits above
// package engine the way a process supervisor sits above a worker: it
// never touches the transport directly, only submits jobs and reacts to
// their outcomes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sim800gw/driver/at"
	"github.com/sim800gw/driver/job"
	"github.com/sim800gw/driver/mlog"
)

// Engine is the narrow capability the supervisor needs from package engine:
// submit a job and get its future. Kept as an interface so tests can drive
// the supervisor without a real transport underneath.
type Engine interface {
	Exec(j *job.Job) (*job.Future, error)
}

// State is the supervisor's lifecycle snapshot.
type State struct {
	Initialized    bool
	NetworkReady   bool
	SimUnlocked    bool
	RetryNumber    int
	ResetNumber    int
	NetworkRetry   int
	BrownoutNumber int
}

// Config controls the cold-boot sequence and the ongoing monitors.
type Config struct {
	SimPIN                string
	CNMIConfig            string
	MaxInitRetries        int
	MaxResets             int
	MaxNetworkRetries     int
	MaxBrownouts          int
	NetworkCheckInterval  time.Duration
	BrownoutCheckInterval time.Duration
	CommandTimeout        time.Duration
	ResetSettle           time.Duration
}

// ConfigBuilder builds a Config with functional options, mirroring the
// rest of the driver's constructor idiom.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder returns a builder seeded with sane defaults.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		MaxInitRetries:        3,
		MaxResets:             5,
		MaxNetworkRetries:     3,
		MaxBrownouts:          3,
		NetworkCheckInterval:  30 * time.Second,
		BrownoutCheckInterval: 10 * time.Second,
		CommandTimeout:        job.DefaultTimeout,
		CNMIConfig:            at.DefaultCNMIConfig,
		ResetSettle:           job.DefaultSettle,
	}}
}

// WithResetSettle overrides the reset handler's settle timer (job.DefaultSettle by default).
func (b *ConfigBuilder) WithResetSettle(d time.Duration) *ConfigBuilder {
	b.cfg.ResetSettle = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.cfg.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithCNMIConfig(cfg string) *ConfigBuilder {
	b.cfg.CNMIConfig = cfg
	return b
}

func (b *ConfigBuilder) WithMaxInitRetries(n int) *ConfigBuilder {
	b.cfg.MaxInitRetries = n
	return b
}

func (b *ConfigBuilder) WithMaxResets(n int) *ConfigBuilder {
	b.cfg.MaxResets = n
	return b
}

func (b *ConfigBuilder) WithMaxNetworkRetries(n int) *ConfigBuilder {
	b.cfg.MaxNetworkRetries = n
	return b
}

func (b *ConfigBuilder) WithMaxBrownouts(n int) *ConfigBuilder {
	b.cfg.MaxBrownouts = n
	return b
}

func (b *ConfigBuilder) WithNetworkCheckInterval(d time.Duration) *ConfigBuilder {
	b.cfg.NetworkCheckInterval = d
	return b
}

func (b *ConfigBuilder) WithBrownoutCheckInterval(d time.Duration) *ConfigBuilder {
	b.cfg.BrownoutCheckInterval = d
	return b
}

func (b *ConfigBuilder) Build() Config {
	return b.cfg
}

// EventKind tags the shape of an Event's Payload.
type EventKind string

const (
	EventModemReady     EventKind = "modemready"
	EventInitialized    EventKind = "initialized"
	EventSimUnlocked    EventKind = "simunlocked"
	EventNetworkReady   EventKind = "networkready"
	EventNetworkLost    EventKind = "networklost"
	EventBrownout       EventKind = "brownout"
	EventReset          EventKind = "reset"
	EventFatal          EventKind = "fatal"
	EventDeliveryReport EventKind = "deliveryreport"
	EventStatusChange   EventKind = "statuschange"
	EventSMSError       EventKind = "smserror"
)

// Event is the tagged union of everything a subscriber can observe.
type Event struct {
	Kind    EventKind
	Payload any
	At      time.Time
}

// ErrFatal is delivered as an EventFatal payload when the init retry policy
// is exhausted.
var ErrFatal = errors.New("supervisor: modem failed to initialize")

// subscriberBuffer bounds each subscriber's channel; a slow subscriber
// drops events rather than stalling the supervisor, mirroring the
// drop-if-full URC channel policy the rest of the driver's ancestry uses.
const subscriberBuffer = 64

// Supervisor drives the cold-boot sequence and ongoing health monitors atop
// an Engine.
type Supervisor struct {
	eng    Engine
	cfg    Config
	logger mlog.Logger

	mu    sync.Mutex
	state State

	clearQueue func()

	subMu sync.Mutex
	subs  []chan Event
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

func WithLogger(l mlog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithQueueClearer wires the engine's queue-clear hook so a reset can drop
// every pending job, not just the one in flight.
func WithQueueClearer(f func()) Option { return func(s *Supervisor) { s.clearQueue = f } }

// New builds a Supervisor bound to eng.
func New(eng Engine, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		eng:    eng,
		cfg:    cfg,
		logger: mlog.NoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a snapshot of the supervisor's lifecycle counters.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the modem has completed cold boot and is
// registered on the network. The SMS spooler gates on this before
// submitting any send.
func (s *Supervisor) Ready() bool {
	st := s.State()
	return st.Initialized && st.NetworkReady
}

// Subscribe returns a channel of lifecycle events. The channel is closed
// when ctx is done.
func (s *Supervisor) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (s *Supervisor) publish(kind EventKind, payload any) {
	ev := Event{Kind: kind, Payload: payload, At: time.Now()}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropped event, subscriber full", mlog.F("kind", string(kind)))
		}
	}
}

// Run performs the cold-boot sequence and then blocks running the network
// and brownout monitors until ctx is done or the init retry policy is
// exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.initWithRetry(ctx); err != nil {
		s.publish(EventFatal, err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.networkMonitor(gctx) })
	g.Go(func() error { return s.brownoutMonitor(gctx) })
	return g.Wait()
}

// initWithRetry runs initSequence at most cfg.MaxInitRetries times in all,
// with a reset between attempts, before giving up permanently.
func (s *Supervisor) initWithRetry(ctx context.Context) error {
	for {
		err := s.initSequence(ctx)
		if err == nil {
			return nil
		}

		s.mu.Lock()
		s.state.RetryNumber++
		retry := s.state.RetryNumber
		s.mu.Unlock()

		s.logger.Warn("init sequence failed", mlog.F("attempt", retry), mlog.F("err", err))
		if retry >= s.cfg.MaxInitRetries {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}

		if err := s.Reset(ctx, "init-retry"); err != nil {
			return fmt.Errorf("%w: reset during retry: %v", ErrFatal, err)
		}
		// Reset zeroes RetryNumber; carry the attempt count across it so
		// the MaxInitRetries bound still applies.
		s.mu.Lock()
		s.state.RetryNumber = retry
		s.mu.Unlock()
	}
}

func (s *Supervisor) initSequence(ctx context.Context) error {
	if err := s.execWait(ctx, "check-modem", job.TypeCheckModem, []byte(at.CmdCheckModem+"\r"), nil); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	s.publish(EventModemReady, nil)

	if err := s.execWait(ctx, "verbose-errors", job.TypeDefault, []byte(at.CmdVerboseError+"\r"), nil); err != nil {
		return fmt.Errorf("enable verbose errors: %w", err)
	}

	if err := s.checkAndUnlockPin(ctx); err != nil {
		return err
	}

	if s.cfg.CNMIConfig != "" {
		cmd := []byte(fmt.Sprintf(at.CmdCNMI, s.cfg.CNMIConfig) + "\r")
		if err := s.execWait(ctx, "cnmi", job.TypeCNMIConfig, cmd, nil); err != nil {
			return fmt.Errorf("configure new-message indications: %w", err)
		}
	}

	if err := s.execWait(ctx, "pdu-mode", job.TypeSetSMSMode, []byte(at.CmdSetPDUMode+"\r"), nil); err != nil {
		return fmt.Errorf("select pdu mode: %w", err)
	}

	s.mu.Lock()
	s.state.Initialized = true
	s.state.RetryNumber = 0
	s.state.ResetNumber = 0
	s.mu.Unlock()
	s.publish(EventInitialized, nil)

	if err := s.checkNetwork(ctx); err != nil {
		s.logger.Warn("initial network check failed", mlog.F("err", err))
	}

	return nil
}

func (s *Supervisor) checkAndUnlockPin(ctx context.Context) error {
	j := job.New("check-pin", job.TypeCheckPin, []byte(at.CmdCheckPin+"\r"), job.WithHandler(job.CheckPinHandler{}), job.WithTimeout(s.cfg.CommandTimeout))
	future, err := s.eng.Exec(j)
	if err != nil {
		return fmt.Errorf("submit check-pin: %w", err)
	}
	_, err = future.Wait(ctx)
	if err == nil {
		s.mu.Lock()
		s.state.SimUnlocked = true
		s.mu.Unlock()
		s.publish(EventSimUnlocked, nil)
		return nil
	}
	if !errors.Is(err, job.ErrPinRequired) {
		return fmt.Errorf("check pin: %w", err)
	}
	if s.cfg.SimPIN == "" {
		return errors.New("supervisor: sim requires pin but none configured")
	}

	cmd := []byte(fmt.Sprintf(at.CmdSetPin, s.cfg.SimPIN) + "\r")
	unlock := job.New("pin-unlock", job.TypePinUnlock, cmd, job.WithHandler(job.PinUnlockHandler{}), job.WithTimeout(s.cfg.CommandTimeout))
	future, err = s.eng.Exec(unlock)
	if err != nil {
		return fmt.Errorf("submit pin-unlock: %w", err)
	}
	if _, err := future.Wait(ctx); err != nil {
		return fmt.Errorf("unlock sim: %w", err)
	}
	s.mu.Lock()
	s.state.SimUnlocked = true
	s.mu.Unlock()
	s.publish(EventSimUnlocked, nil)
	return nil
}

func (s *Supervisor) checkNetwork(ctx context.Context) error {
	j := job.New("check-network", job.TypeCheckNetwork, []byte(at.CmdCheckNetwork+"\r"), job.WithHandler(job.CheckNetworkHandler{}), job.WithTimeout(s.cfg.CommandTimeout))
	future, err := s.eng.Exec(j)
	if err != nil {
		return fmt.Errorf("submit check-network: %w", err)
	}
	res, err := future.Wait(ctx)
	if err != nil {
		return fmt.Errorf("check network: %w", err)
	}
	ns, _ := res.Data.(job.NetworkState)
	ready := ns.Status == 1 || ns.Status == 5 // registered, home or roaming

	s.mu.Lock()
	was := s.state.NetworkReady
	s.state.NetworkReady = ready
	if ready {
		s.state.NetworkRetry = 0
	} else {
		s.state.NetworkRetry++
	}
	retry := s.state.NetworkRetry
	s.mu.Unlock()

	if ready && !was {
		s.publish(EventNetworkReady, ns)
	} else if !ready && was {
		s.publish(EventNetworkLost, ns)
	}
	if !ready && retry > s.cfg.MaxNetworkRetries {
		if err := s.Reset(ctx, "network-lost"); err != nil {
			return fmt.Errorf("network-loss reset: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) networkMonitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.NetworkCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.State().Initialized {
				continue
			}
			if err := s.checkNetwork(ctx); err != nil {
				s.logger.Warn("network check failed", mlog.F("err", err))
			}
		}
	}
}

func (s *Supervisor) brownoutMonitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BrownoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.State().Initialized {
				continue
			}
			j := job.New("brownout-probe", job.TypeCheckModem, []byte(at.CmdCheckModem+"\r"), job.WithTimeout(s.cfg.CommandTimeout))
			future, err := s.eng.Exec(j)
			if err != nil {
				continue
			}
			if _, err := future.Wait(ctx); err != nil {
				s.mu.Lock()
				s.state.BrownoutNumber++
				n := s.state.BrownoutNumber
				s.mu.Unlock()
				s.logger.Warn("brownout probe failed", mlog.F("count", n), mlog.F("err", err))
				s.publish(EventBrownout, n)
				if n > s.cfg.MaxBrownouts {
					if err := s.Reset(ctx, "brownout"); err != nil {
						return fmt.Errorf("brownout reset: %w", err)
					}
				}
			} else {
				s.mu.Lock()
				s.state.BrownoutNumber = 0
				s.mu.Unlock()
			}
		}
	}
}

// Reset aborts any pending prompt, issues AT+CFUN=1,1, and clears the
// pending queue once the settle timer fires. It fails permanently once
// cfg.MaxResets is exceeded.
func (s *Supervisor) Reset(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.state.ResetNumber++
	n := s.state.ResetNumber
	s.mu.Unlock()

	if n > s.cfg.MaxResets {
		return fmt.Errorf("%w: exceeded %d resets", ErrFatal, s.cfg.MaxResets)
	}

	abort := job.New("abort-input", job.TypeAbortInput, []byte{0x0D, at.ESC}, job.WithImmediate(), job.WithTimeout(2*time.Second))
	if future, err := s.eng.Exec(abort); err == nil {
		future.Wait(ctx)
	}

	handler := &job.ResetHandler{Settle: s.cfg.ResetSettle, ClearQueue: s.clearQueue}
	cmd := []byte(fmt.Sprintf(at.CmdReset, at.DefaultResetMode) + "\r")
	resetJob := job.New("reset", job.TypeReset, cmd, job.WithHandler(handler), job.WithImmediate(), job.WithTimeout(job.DefaultSettle+5*time.Second))
	future, err := s.eng.Exec(resetJob)
	if err != nil {
		return fmt.Errorf("submit reset: %w", err)
	}
	if _, err := future.Wait(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	s.mu.Lock()
	s.state.Initialized = false
	s.state.NetworkReady = false
	s.state.RetryNumber = 0
	s.state.NetworkRetry = 0
	s.state.BrownoutNumber = 0
	s.mu.Unlock()

	s.publish(EventReset, reason)
	return nil
}

func (s *Supervisor) execWait(ctx context.Context, id string, typ job.Type, cmd []byte, handler job.Handler) error {
	opts := []job.Option{job.WithTimeout(s.cfg.CommandTimeout)}
	if handler != nil {
		opts = append(opts, job.WithHandler(handler))
	}
	j := job.New(id, typ, cmd, opts...)
	future, err := s.eng.Exec(j)
	if err != nil {
		return err
	}
	_, err = future.Wait(ctx)
	return err
}
