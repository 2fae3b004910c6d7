// Package engine drives a single AT command at a time over a transport: a
// strict-FIFO queue with optional head insertion, one accumulation buffer,
// a busy guard, and a per-job timeout. It is the only goroutine allowed to
// touch the transport, mirroring the one-reader rule the byte-oriented AT
// protocol requires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sim800gw/driver/at"
	"github.com/sim800gw/driver/job"
	"github.com/sim800gw/driver/mlog"
	"github.com/sim800gw/driver/transport"
)

// DefaultReadBufferSize bounds a single Read call on the transport.
const DefaultReadBufferSize = 512

// ErrClosed is returned by Exec once the engine has stopped.
var ErrClosed = errors.New("engine: closed")

// DeliveryReportHook is invoked whenever a "+CDS:" pair is recognized in the
// accumulation buffer, whether or not the job in flight is the dedicated
// incoming-data job. This realizes the cross-cutting delivery-report probe:
// every command family can be interrupted by an asynchronous status report,
// so the check lives once at the engine level instead of duplicated in
// every handler.
type DeliveryReportHook func(at.DeliveryReport)

// Engine owns the transport, the pending job queue and the single
// in-flight job.
type Engine struct {
	tr     transport.Transport
	logger mlog.Logger

	mu      sync.Mutex
	queue   []*job.Job
	current *job.Job
	buf     []byte
	closed  bool

	incoming    DeliveryReportHook
	unsolicited job.Handler

	incomingCh chan []byte
	readErrCh  chan error
	submitCh   chan *job.Job
	doneCh     chan *job.Job

	timer *time.Timer

	wg sync.WaitGroup
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the no-op default logger.
func WithLogger(l mlog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithDeliveryReportHook installs the cross-cutting delivery-report probe.
func WithDeliveryReportHook(h DeliveryReportHook) Option {
	return func(e *Engine) { e.incoming = h }
}

// WithUnsolicitedHandler installs the handler consulted when bytes arrive
// while the queue is idle (typically a job.IncomingHandler bound to a
// standing job.Job).
func WithUnsolicitedHandler(h job.Handler) Option {
	return func(e *Engine) { e.unsolicited = h }
}

// New builds an Engine bound to tr. Run must be called to start processing.
func New(tr transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		tr:         tr,
		logger:     mlog.NoOp(),
		incomingCh: make(chan []byte, 16),
		readErrCh:  make(chan error, 1),
		submitCh:   make(chan *job.Job, 16),
		doneCh:     make(chan *job.Job, 4),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exec enqueues j at the back of the queue (or, if j.Immediate, ahead of
// every other pending job — but never ahead of a job already written to
// the wire) and returns its Future.
func (e *Engine) Exec(j *job.Job) (*job.Future, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	e.submitCh <- j
	return j.Future(), nil
}

// Run starts the read loop and the dispatch loop. It blocks until ctx is
// done or the transport reports a fatal read error.
func (e *Engine) Run(ctx context.Context) error {
	e.wg.Add(1)
	go e.readLoop(ctx)

	defer func() {
		e.mu.Lock()
		e.closed = true
		pending := append([]*job.Job(nil), e.queue...)
		e.queue = nil
		cur := e.current
		e.current = nil
		e.mu.Unlock()

		for _, p := range pending {
			p.Cancel()
		}
		if cur != nil {
			cur.Cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()

		case err := <-e.readErrCh:
			e.wg.Wait()
			return fmt.Errorf("engine: read: %w", err)

		case j := <-e.submitCh:
			e.enqueue(j)
			e.pump()

		case chunk := <-e.incomingCh:
			e.onBytes(chunk)
			e.pump()

		case <-e.timeoutC():
			e.onTimeout()
			e.pump()

		case j := <-e.doneCh:
			// A Starter-based handler (e.g. ResetHandler's settle timer)
			// completed its job on its own goroutine, independent of any
			// byte arrival. Advance the queue now that it's done.
			e.mu.Lock()
			isCurrent := e.current == j
			e.mu.Unlock()
			if isCurrent {
				e.finishCurrent()
			}
			e.pump()
		}
	}
}

func (e *Engine) timeoutC() <-chan time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer == nil {
		return nil
	}
	return e.timer.C
}

func (e *Engine) enqueue(j *job.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j.Immediate {
		e.queue = append([]*job.Job{j}, e.queue...)
	} else {
		e.queue = append(e.queue, j)
	}
}

// pump writes the head of the queue to the transport if nothing is
// currently outstanding. This is the busy guard: at most one job is
// written and unacknowledged at any time.
func (e *Engine) pump() {
	e.mu.Lock()
	if e.current != nil || len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	j := e.queue[0]
	e.queue = e.queue[1:]
	e.current = j
	e.buf = nil
	e.mu.Unlock()

	e.writeCurrent(j)
}

func (e *Engine) writeCurrent(j *job.Job) {
	wire := j.Command
	if _, err := e.tr.Write(wire); err != nil {
		j.Fail(fmt.Errorf("engine: write: %w", err), job.Result{})
		e.finishCurrent()
		return
	}
	j.MarkWritten()
	e.logger.Verbose("wrote command", mlog.F("type", string(j.Type)), mlog.F("bytes", len(wire)))

	e.resetTimer(j)

	if starter, ok := j.Handler.(job.Starter); ok {
		starter.Start(j)
		e.waitAsync(j)
	}
}

// waitAsync watches a job's Future from a dedicated goroutine and reports
// back on doneCh once it resolves. Needed for handlers implementing Starter
// (currently only ResetHandler), whose completion is driven by their own
// timer rather than by bytes arriving through onBytes.
func (e *Engine) waitAsync(j *job.Job) {
	go func() {
		j.Future().Wait(context.Background())
		e.doneCh <- j
	}()
}

func (e *Engine) resetTimer(j *job.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = job.DefaultTimeout
	}
	e.timer = time.NewTimer(timeout)
}

func (e *Engine) onTimeout() {
	e.mu.Lock()
	j := e.current
	e.mu.Unlock()
	if j == nil || j.Ended() {
		return
	}
	e.logger.Warn("job timed out", mlog.F("type", string(j.Type)))
	j.Fail(job.ErrTimeout, job.Result{})
	e.finishCurrent()
}

func (e *Engine) onBytes(chunk []byte) {
	e.mu.Lock()
	j := e.current
	e.mu.Unlock()

	if j == nil {
		e.handleUnsolicited(chunk)
		return
	}

	e.mu.Lock()
	e.buf = append(e.buf, chunk...)
	buf := append([]byte(nil), e.buf...)
	e.mu.Unlock()

	if e.incoming != nil {
		if dr, ok := at.FindDeliveryReport(buf); ok {
			e.incoming(dr)
		}
	}

	if at.IsWaitingForInput(at.Fragments(buf)) {
		if next, ok := j.NextSubcommand(); ok {
			e.mu.Lock()
			e.buf = nil
			e.mu.Unlock()
			if _, err := e.tr.Write(next); err != nil {
				j.Fail(fmt.Errorf("engine: write subcommand: %w", err), job.Result{})
				e.finishCurrent()
			}
			return
		}
	}

	frags := at.Fragments(buf)
	if j.Handler.Feed(j, buf, frags) {
		e.finishCurrent()
	}
}

// ClearQueue cancels every job still waiting in the queue (not the one
// currently in flight) and empties it. Wired into job.ResetHandler so a
// settled reset drops whatever had backed up behind it.
func (e *Engine) ClearQueue() {
	e.mu.Lock()
	pending := append([]*job.Job(nil), e.queue...)
	e.queue = nil
	e.mu.Unlock()

	for _, p := range pending {
		p.Cancel()
	}
}

func (e *Engine) finishCurrent() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.current = nil
	e.buf = nil
	e.mu.Unlock()
}

func (e *Engine) handleUnsolicited(chunk []byte) {
	e.mu.Lock()
	e.buf = append(e.buf, chunk...)
	buf := append([]byte(nil), e.buf...)
	handler := e.unsolicited
	e.mu.Unlock()

	if e.incoming != nil {
		if dr, ok := at.FindDeliveryReport(buf); ok {
			e.incoming(dr)
		}
	}

	if handler == nil {
		return
	}
	frags := at.Fragments(buf)
	// Give the unsolicited handler a throwaway job: it never needs the
	// engine's own scheduling, only Complete/Fail's side effects via its
	// closures.
	j := job.New("unsolicited", job.TypeIncoming, nil, job.WithHandler(handler))
	if handler.Feed(j, buf, frags) {
		e.mu.Lock()
		e.buf = nil
		e.mu.Unlock()
	}
}

func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	rbuf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := e.tr.Read(rbuf)
		if n > 0 {
			chunk := append([]byte(nil), rbuf[:n]...)
			select {
			case e.incomingCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case e.readErrCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Close releases the underlying transport.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.tr.Close()
}
