package job

import (
	"errors"
	"strings"
	"time"

	"github.com/sim800gw/driver/at"
)

// Error kinds surfaced by the handlers below. Handlers never throw; they
// surface one of these through Job.Fail and set ended=true.
var (
	ErrGeneric       = errors.New("job: generic command failure")
	ErrCheckError    = errors.New("job: modem failed liveness probe")
	ErrParse         = errors.New("job: parse-error")
	ErrParseComma    = errors.New("job: parse-error-comma")
	ErrPinRequired   = errors.New("job: pin-required")
	ErrSimUnlock     = errors.New("job: sim-unlock")
	ErrCheckPinError = errors.New("job: checkPinError")
	ErrSMSSent       = errors.New("job: sms-sent")
)

// CommandError carries the message text parsed out of a "+CME ERROR:"/
// "+CMS ERROR:" line or a bare "ERROR" response.
type CommandError struct {
	Kind    error
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *CommandError) Unwrap() error { return e.Kind }

func commandErr(kind error, atErr at.ATError) *CommandError {
	return &CommandError{Kind: kind, Message: atErr.Message}
}

// DefaultHandler terminates on OK (success) or a terminal error (failure).
// It ignores every intermediate line — used whenever only the presence of a
// terminator matters.
type DefaultHandler struct{}

func (DefaultHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if at.IsOK(buf) {
		j.Complete(Result{Lines: frags, Raw: buf})
		return true
	}
	if e := at.GetError(buf); e.IsError {
		j.Fail(commandErr(ErrGeneric, e), Result{Lines: frags, Raw: buf})
		return true
	}
	return false
}

// CheckModemHandler backs the "AT" liveness probe. It behaves
// exactly like DefaultHandler; the supervisor emits "modemready" after
// observing the Future's outcome, since the handler layer carries protocol
// mechanics, not event fan-out.
type CheckModemHandler struct{ DefaultHandler }

// CheckPinHandler backs "AT+CPIN?". On OK it locates the "+CPIN: <token>"
// fragment and maps it to a SimStatus; only SimReady counts as success.
type CheckPinHandler struct{}

func (CheckPinHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if e := at.GetError(buf); e.IsError {
		j.Fail(commandErr(ErrCheckPinError, e), Result{Lines: frags, Raw: buf})
		return true
	}
	if !at.IsOK(buf) {
		return false
	}
	frag, ok := at.FragmentWithPrefix(frags, at.PrefixCPIN)
	if !ok {
		j.Fail(ErrParse, Result{Lines: frags, Raw: buf})
		return true
	}
	status, ok := at.ParseCPIN(frag)
	if !ok {
		j.Fail(ErrParse, Result{Lines: frags, Raw: buf})
		return true
	}
	if status != at.SimReady {
		j.Fail(ErrPinRequired, Result{Lines: frags, Raw: buf, Data: status})
		return true
	}
	j.Complete(Result{Lines: frags, Raw: buf, Data: status})
	return true
}

// PinUnlockHandler backs "AT+CPIN=<pin>". An OK alone is not terminal — the
// modem follows up asynchronously with "+CPIN: READY". Terminal condition is
// either an error or a trailing "+CPIN: ..." fragment.
type PinUnlockHandler struct{}

func (PinUnlockHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if e := at.GetError(buf); e.IsError {
		j.Fail(commandErr(ErrSimUnlock, e), Result{Lines: frags, Raw: buf})
		return true
	}
	frag, ok := at.FragmentWithPrefix(frags, at.PrefixCPIN)
	if !ok {
		return false
	}
	status, ok := at.ParseCPIN(frag)
	if !ok {
		return false
	}
	if status != at.SimReady {
		j.Fail(ErrSimUnlock, Result{Lines: frags, Raw: buf, Data: status})
		return true
	}
	j.Complete(Result{Lines: frags, Raw: buf, Data: status})
	return true
}

// NetworkState is the pair reported by AT+CREG? and its unsolicited URC
// form.
type NetworkState struct {
	Action int
	Status int
}

// CheckNetworkHandler backs "AT+CREG?".
type CheckNetworkHandler struct{}

func (CheckNetworkHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if e := at.GetError(buf); e.IsError {
		j.Fail(commandErr(ErrGeneric, e), Result{Lines: frags, Raw: buf})
		return true
	}
	if !at.IsOK(buf) {
		return false
	}
	frag, ok := at.FragmentWithPrefix(frags, at.PrefixCREG)
	if !ok {
		j.Fail(ErrParse, Result{Lines: frags, Raw: buf})
		return true
	}
	action, status, ok := at.ParseCREG(frag)
	if !ok {
		j.Fail(ErrParseComma, Result{Lines: frags, Raw: buf})
		return true
	}
	j.Complete(Result{Lines: frags, Raw: buf, Data: NetworkState{Action: action, Status: status}})
	return true
}

// DefaultSettle is the fixed wait the reset handler uses before declaring
// the modem settled.
const DefaultSettle = 6 * time.Second

// ResetHandler backs "AT+CFUN=<mode>". It never watches for OK: the handler
// starts a fixed settle timer the moment the job becomes active, and on
// expiry clears the queue and declares success. ClearQueue is supplied by
// the engine/supervisor so this package stays free of an import cycle back
// to them.
type ResetHandler struct {
	Settle     time.Duration
	ClearQueue func()

	timer *time.Timer
}

// Feed ignores every byte: the modem's reply to AT+CFUN is not awaited.
func (h *ResetHandler) Feed(j *Job, buf []byte, frags []string) bool {
	return false
}

// Start implements the Starter hook: the settle timer begins as soon as the
// reset command has been written, independent of anything the modem sends
// back.
func (h *ResetHandler) Start(j *Job) {
	settle := h.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	h.timer = time.AfterFunc(settle, func() {
		if h.ClearQueue != nil {
			h.ClearQueue()
		}
		j.Complete(Result{})
	})
}

// Starter is implemented by handlers that need to act the moment their job
// becomes active and its command bytes are written, rather than waiting for
// bytes to arrive.
type Starter interface {
	Start(j *Job)
}

// SMSSendHandler backs "AT+CMGS=<tpduLength>". The ">" prompt sub-step is
// handled generically by the engine (it writes Job.Subcommands[0] directly
// once the prompt is seen); this handler only has to recognize the terminal
// OK/"+CMGS: <n>" or error.
type SMSSendHandler struct{}

func (SMSSendHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if e := at.GetError(buf); e.IsError {
		j.Fail(commandErr(ErrSMSSent, e), Result{Lines: frags, Raw: buf})
		return true
	}
	if !at.IsOK(buf) {
		return false
	}
	frag, ok := at.FragmentWithPrefix(frags, at.PrefixCMGS)
	if !ok {
		j.Fail(ErrParse, Result{Lines: frags, Raw: buf})
		return true
	}
	ref, ok := at.ParseCMGSReference(frag)
	if !ok {
		j.Fail(ErrParse, Result{Lines: frags, Raw: buf})
		return true
	}
	j.Complete(Result{Lines: frags, Raw: buf, Data: ref})
	return true
}

// IncomingSignal is everything the incoming handler can notice on a single
// pass over an unsolicited buffer.
type IncomingSignal struct {
	NetworkReady       bool
	NewSMSRaw          string
	DeliveryReport     *at.DeliveryReport
	NetworkUnsolicited bool
}

func (s IncomingSignal) any() bool {
	return s.NetworkReady || s.NewSMSRaw != "" || s.DeliveryReport != nil || s.NetworkUnsolicited
}

// IncomingHandler backs bytes arriving while the queue is empty. It ends the
// job as soon as it recognizes at least one signal in a CRLF-complete
// buffer; EnqueueCheckNetwork is invoked (not awaited) when an unsolicited
// +CREG arrives.
type IncomingHandler struct {
	EnqueueCheckNetwork func()
}

func (h IncomingHandler) Feed(j *Job, buf []byte, frags []string) bool {
	if !strings.HasSuffix(string(buf), at.CRLF) {
		return false
	}

	var sig IncomingSignal
	if at.NetworkReadyBanner(frags) {
		sig.NetworkReady = true
	}
	if frag, ok := at.FragmentWithPrefix(frags, at.PrefixCMTI); ok {
		sig.NewSMSRaw = frag
	}
	if dr, ok := at.FindDeliveryReport(buf); ok {
		sig.DeliveryReport = &dr
	}
	if at.HasPrefixFragment(frags, at.PrefixCREG) {
		sig.NetworkUnsolicited = true
		if h.EnqueueCheckNetwork != nil {
			h.EnqueueCheckNetwork()
		}
	}

	if !sig.any() {
		return false
	}
	j.Complete(Result{Lines: frags, Raw: buf, Data: sig})
	return true
}
