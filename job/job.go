// Package job defines the in-flight unit of work the command engine drives:
// a Job (command bytes, handler, timeout, optional subcommands and
// correlation reference) plus the single Future/Result pair callers observe
// completion through, instead of a separate callback and promise.
package job

import (
	"context"
	"errors"
	"time"
)

// ErrCancelled is delivered to a Job's Future when the engine's queue is
// cleared (e.g. by a reset) while the job was still pending, rather than
// leaving its Future unresolved forever.
var ErrCancelled = errors.New("job: cancelled")

// ErrTimeout marks a job whose per-job timeout fired before its handler
// reached a terminal condition.
var ErrTimeout = errors.New("job: timeout")

// DefaultTimeout is used when a Job does not specify one.
const DefaultTimeout = 15 * time.Second

// Type tags the semantic kind of a Job. Handlers are chosen by the caller,
// but the type is kept on the Job for logging.
type Type string

const (
	TypeDefault      Type = "default"
	TypeCheckModem   Type = "check-modem"
	TypeCheckPin     Type = "check-pin"
	TypePinUnlock    Type = "pin-unlock"
	TypeCNMIConfig   Type = "cnmi-config"
	TypeSetSMSMode   Type = "set-sms-mode"
	TypeCheckNetwork Type = "check-network"
	TypeReset        Type = "reset"
	TypeAbortInput   Type = "abort-input"
	TypeSMSSend      Type = "sms-send"
	TypeDeleteSMS    Type = "delete-sms"
	TypeIncoming     Type = "incoming"
)

// Result is what a Job completes with: the parsed buffer snapshot at the
// moment of completion, plus handler-specific data and an error.
type Result struct {
	Lines []string
	Raw   []byte
	Data  any
	Err   error
}

// Handler consumes the growing accumulation buffer of the job it is bound
// to. Feed is invoked once per byte-arrival while the job is head-of-queue;
// it returns true once the job has reached a terminal state (the Job's
// Complete/Fail must have been called before returning true).
//
// This is one interface with one concrete struct per AT command family,
// each owning its own transient sub-state (e.g. ResetHandler's settle
// timer) instead of a handler signature that changes shape
// per command.
type Handler interface {
	Feed(j *Job, buf []byte, frags []string) bool
}

// Job is a single in-flight unit of work owned exclusively by the engine
// and its handler.
type Job struct {
	ID          string
	Command     []byte
	Type        Type
	Handler     Handler
	Subcommands [][]byte
	Reference   string
	Timeout     time.Duration
	Immediate   bool

	ended    bool
	written  bool
	sub      int // next subcommand index, advanced by the engine on a ">" prompt
	deadline time.Time

	future   *Future
	callback func(Result)
}

// Option configures a Job at construction time as idiomatic functional
// options, covering handler, immediate, subcommands, reference, timeout and
// callback; command and type are arguments to New.
type Option func(*Job)

func WithHandler(h Handler) Option         { return func(j *Job) { j.Handler = h } }
func WithImmediate() Option                { return func(j *Job) { j.Immediate = true } }
func WithSubcommands(cmds [][]byte) Option { return func(j *Job) { j.Subcommands = cmds } }
func WithReference(ref string) Option      { return func(j *Job) { j.Reference = ref } }
func WithTimeout(d time.Duration) Option   { return func(j *Job) { j.Timeout = d } }
func WithCallback(cb func(Result)) Option  { return func(j *Job) { j.callback = cb } }

// New builds a Job. If no handler is supplied, DefaultHandler is used.
func New(id string, typ Type, command []byte, opts ...Option) *Job {
	j := &Job{
		ID:      id,
		Command: command,
		Type:    typ,
		Timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.Handler == nil {
		j.Handler = DefaultHandler{}
	}
	if j.Timeout <= 0 {
		j.Timeout = DefaultTimeout
	}
	j.future = newFuture()
	return j
}

// Ended reports whether the job has reached a terminal state.
func (j *Job) Ended() bool { return j.ended }

// Written reports whether the engine has already written this job's command
// bytes to the transport.
func (j *Job) Written() bool { return j.written }

// MarkWritten is called by the engine exactly once, the first time this job
// becomes head-of-queue and is not yet timed out.
func (j *Job) MarkWritten() { j.written = true }

// NextSubcommand returns the next queued subcommand (if any) and advances
// the cursor. The engine calls it when a ">" prompt arrives, to drive a
// multi-step dialogue such as the SMS send (the PDU body sent after the
// prompt).
func (j *Job) NextSubcommand() ([]byte, bool) {
	if j.sub >= len(j.Subcommands) {
		return nil, false
	}
	cmd := j.Subcommands[j.sub]
	j.sub++
	return cmd, true
}

// Complete ends the job successfully.
func (j *Job) Complete(res Result) {
	j.finish(res)
}

// Fail ends the job with an error.
func (j *Job) Fail(err error, res Result) {
	res.Err = err
	j.finish(res)
}

func (j *Job) finish(res Result) {
	if j.ended {
		return
	}
	j.ended = true
	if j.callback != nil {
		j.callback(res)
	}
	j.future.deliver(res)
}

// Future returns the Job's completion future.
func (j *Job) Future() *Future { return j.future }

// Cancel completes the job with ErrCancelled, used when a queue is cleared
// wholesale.
func (j *Job) Cancel() {
	if j.ended {
		return
	}
	j.Fail(ErrCancelled, Result{})
}

// Future is the single Result-returning completion channel a Job exposes,
// in place of a separate callback and promise.
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

func (f *Future) deliver(res Result) {
	select {
	case f.ch <- res:
	default:
	}
}

// Wait blocks until the Job completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-f.ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
