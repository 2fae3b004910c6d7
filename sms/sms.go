// Package sms owns the outbound SMS lifecycle: splitting a message into PDU
// parts, spooling them one at a time through the command engine, and
// routing asynchronous delivery reports back onto the right part by its
// short reference.
package sms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sim800gw/driver/at"
	"github.com/sim800gw/driver/job"
	"github.com/sim800gw/driver/mlog"
	"github.com/sim800gw/driver/pdu"
)

// PartStatus is the lifecycle of a single PDU part.
type PartStatus string

const (
	PartIdle      PartStatus = "idle"
	PartSent      PartStatus = "sent"
	PartDelivered PartStatus = "delivered"
	PartFailed    PartStatus = "failed"
)

// Part is one PDU segment of an SMS, addressed by its own short reference
// once the network has accepted it.
type Part struct {
	Index     int
	PDU       pdu.Part
	Reference int
	Status    PartStatus
	Err       error
}

// Status is the aggregate lifecycle of an SMS across all of its parts.
// Pending means at least one part is still PartIdle; the spooler keeps
// submitting idle parts while the SMS is Pending — once every part has
// left PartIdle, the SMS is considered terminal (Complete or Failed),
// matching "terminal = SENT or DELIVERED" rather than requiring every part
// to share the exact same terminal status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// SMS is one outbound message, possibly split across multiple PDU parts.
type SMS struct {
	ID        string
	Number    string
	Message   string
	CreatedAt time.Time

	mu    sync.Mutex
	Parts []*Part
}

// Status computes the aggregate status from the current part statuses.
func (s *SMS) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := false
	for _, p := range s.Parts {
		if p.Status == PartIdle {
			return StatusPending
		}
		if p.Status == PartFailed {
			failed = true
		}
	}
	if failed {
		return StatusFailed
	}
	return StatusComplete
}

func (s *SMS) partByReference(ref int) (*Part, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Parts {
		if p.Reference == ref {
			return p, true
		}
	}
	return nil, false
}

func (s *SMS) nextIdle() (*Part, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Parts {
		if p.Status == PartIdle {
			return p, true
		}
	}
	return nil, false
}

func (s *SMS) setStatus(p *Part, status PartStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Status = status
	p.Err = err
}

// ErrUnknownReference is returned when a delivery report's short reference
// does not match any outstanding part.
var ErrUnknownReference = errors.New("sms: unknown delivery-report reference")

// Submitter is the narrow capability the coordinator needs from the command
// engine: enqueue a job and get its future back. This keeps the sms package
// from depending on engine directly, avoiding the cyclic SMS<->modem
// reference the spooler would otherwise require.
type Submitter interface {
	Exec(j *job.Job) (*job.Future, error)
}

// ReadyChecker reports whether the modem has finished cold boot and is
// registered on the network. The spooler gates on this so it never tries
// to submit a send while the modem can't yet service it.
type ReadyChecker interface {
	Ready() bool
}

// Coordinator owns the outbox and the spooler loop that drains it one part
// at a time, respecting the single-outstanding-command rule the rest of
// the driver already enforces at the engine.
type Coordinator struct {
	codec   pdu.Codec
	engine  Submitter
	logger  mlog.Logger
	onEvent func(kind string, payload any)
	ready   ReadyChecker

	autoDelete bool
	deleteIdx  func(*Part) (int, bool)

	mu      sync.Mutex
	outbox  map[string]*SMS
	pending []*SMS

	stop chan struct{}
	done chan struct{}
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

func WithAutoDelete(enabled bool, index func(*Part) (int, bool)) Option {
	return func(c *Coordinator) {
		c.autoDelete = enabled
		c.deleteIdx = index
	}
}

func WithEventSink(f func(kind string, payload any)) Option {
	return func(c *Coordinator) { c.onEvent = f }
}

// WithLogger overrides the no-op default logger.
func WithLogger(l mlog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithReadyGate wires a ReadyChecker (typically the supervisor) so the
// spooler holds off submitting sends until the modem is initialized and
// registered on the network. Without it, the spooler sends as soon as the
// outbox has pending work.
func WithReadyGate(rc ReadyChecker) Option {
	return func(c *Coordinator) { c.ready = rc }
}

// New builds a Coordinator. The spooler must be started with Run.
func New(codec pdu.Codec, engine Submitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		codec:  codec,
		engine: engine,
		logger: mlog.NoOp(),
		outbox: make(map[string]*SMS),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSMS splits msg into PDU parts and queues it for spooling.
func (c *Coordinator) CreateSMS(id, number, msg string) (*SMS, error) {
	parts, err := c.codec.Generate(number, msg)
	if err != nil {
		return nil, fmt.Errorf("sms: generate pdu: %w", err)
	}
	s := &SMS{
		ID:        id,
		Number:    number,
		Message:   msg,
		CreatedAt: time.Now(),
	}
	for i, p := range parts {
		s.Parts = append(s.Parts, &Part{Index: i, PDU: p, Status: PartIdle})
	}

	c.mu.Lock()
	c.outbox[id] = s
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	return s, nil
}

// Get returns a previously created SMS by id.
func (c *Coordinator) Get(id string) (*SMS, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.outbox[id]
	return s, ok
}

// SpoolInterval is the fixed cadence the spooler uses between parts, per
// the modem's requirement that only one command be outstanding at a time
// and that the network be given a moment to settle between SMS submits.
const SpoolInterval = 500 * time.Millisecond

// Run drains the pending queue one part at a time until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(SpoolInterval)
	defer ticker.Stop()
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.spoolOne(ctx)
		}
	}
}

// Close stops the spooler and waits for it to exit.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) spoolOne(ctx context.Context) {
	if c.ready != nil && !c.ready.Ready() {
		return
	}
	s := c.nextPendingSMS()
	if s == nil {
		return
	}
	part, ok := s.nextIdle()
	if !ok {
		return
	}

	cmd := []byte(fmt.Sprintf(at.CmdSendSMS, part.PDU.TPDULen) + "\r")
	body := append([]byte(part.PDU.Hex), at.SUB)
	j := job.New(
		fmt.Sprintf("%s#%d", s.ID, part.Index),
		job.TypeSMSSend,
		cmd,
		job.WithHandler(job.SMSSendHandler{}),
		job.WithSubcommands([][]byte{body}),
		job.WithTimeout(20*time.Second),
	)

	future, err := c.engine.Exec(j)
	if err != nil {
		c.logger.Warn("sms submit failed", mlog.F("id", s.ID), mlog.F("part", part.Index), mlog.F("err", err))
		s.setStatus(part, PartFailed, err)
		c.emit("smserror", s, part, err)
		return
	}

	// Wait for the part to resolve before returning, so the next tick
	// cannot submit the same still-idle part (or the next one) again.
	waitCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()
	res, err := future.Wait(waitCtx)
	if err != nil {
		c.logger.Warn("sms part failed", mlog.F("id", s.ID), mlog.F("part", part.Index), mlog.F("err", err))
		s.setStatus(part, PartFailed, err)
		c.emit("smserror", s, part, err)
		return
	}
	ref, _ := res.Data.(int)
	part.Reference = ref
	s.setStatus(part, PartSent, nil)
	c.logger.Verbose("sms part sent", mlog.F("id", s.ID), mlog.F("part", part.Index), mlog.F("reference", ref))
	c.emit("statuschange", s, part, nil)
}

func (c *Coordinator) nextPendingSMS() *SMS {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.pending {
		if s.Status() == StatusPending {
			return s
		}
	}
	return nil
}

// RouteDeliveryReport matches an unsolicited "+CDS:" report to the part
// that produced its short reference and updates that part's status.
func (c *Coordinator) RouteDeliveryReport(dr at.DeliveryReport) error {
	status, err := c.codec.Parse(dr.Data)
	if err != nil {
		return fmt.Errorf("sms: parse delivery report: %w", err)
	}

	c.mu.Lock()
	var owner *SMS
	var part *Part
	for _, s := range c.outbox {
		if p, ok := s.partByReference(status.Reference); ok {
			owner, part = s, p
			break
		}
	}
	c.mu.Unlock()

	if owner == nil {
		return ErrUnknownReference
	}

	if status.StatusByte == 0x00 {
		owner.setStatus(part, PartDelivered, nil)
	} else {
		owner.setStatus(part, PartFailed, fmt.Errorf("sms: %s", StatusMessage(status.StatusByte)))
	}
	c.logger.Info("delivery report routed", mlog.F("id", owner.ID), mlog.F("part", part.Index), mlog.F("status", StatusMessage(status.StatusByte)))
	c.emit("deliveryreport", owner, part, nil)

	if owner.Status() != StatusPending {
		c.maybeAutoDelete(part)
	}
	return nil
}

func (c *Coordinator) maybeAutoDelete(part *Part) {
	if !c.autoDelete || c.deleteIdx == nil {
		return
	}
	idx, ok := c.deleteIdx(part)
	if !ok {
		return
	}
	cmd := []byte(fmt.Sprintf(at.CmdDeleteSMS, idx) + "\r")
	j := job.New(fmt.Sprintf("delete-%d", idx), job.TypeDeleteSMS, cmd)
	c.engine.Exec(j)
}

func (c *Coordinator) emit(kind string, s *SMS, p *Part, err error) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(kind, DeliveryEvent{SMS: s, Part: p, Err: err})
}

// DeliveryEvent is the payload handed to the event sink for
// "statuschange"/"deliveryreport"/"smserror" notifications.
type DeliveryEvent struct {
	SMS  *SMS
	Part *Part
	Err  error
}

// StatusMessage maps a PDU status byte to its 3GPP TS 23.040 §9.2.3.15
// reason string. Bytes without a named reason fall back to the raw byte.
func StatusMessage(status byte) string {
	switch status {
	case 0x00:
		return "delivered"
	case 0x41:
		return "incompatible destination"
	case 0x43:
		return "not available"
	case 0x50:
		return "recipient not registered"
	case 0x60:
		return "full"
	case 0x61:
		return "busy"
	case 0x62:
		return "not answering"
	case 0x72:
		return "line suspended"
	default:
		return fmt.Sprintf("status 0x%02x", status)
	}
}
