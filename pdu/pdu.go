// Package pdu wraps the external PDU codec collaborator: turning outbound
// text into one or more SMS-SUBMIT TPDUs, and turning an inbound
// delivery-report TPDU back into a status code. The modem driver never
// encodes or decodes PDU bytes itself.
package pdu

import (
	"encoding/hex"
	"fmt"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Part is a single SMS-SUBMIT TPDU ready to hand to AT+CMGS: the hex string
// written after the ">" prompt, and the TPDU length the engine reports in
// the AT+CMGS=<n> command itself (the SMSC octet is excluded from that
// count, per the AT command set).
type Part struct {
	Hex     string
	TPDULen int
}

// DeliveryStatus is the decoded outcome of a "+CDS:" report.
type DeliveryStatus struct {
	Reference   int
	StatusByte  byte
	Terminal    bool // true only for status byte 0x00 (delivered)
	Destination string
}

// Codec is the external PDU collaborator: generating outbound TPDUs and
// parsing inbound delivery-report TPDUs. It is defined as an interface so
// callers can substitute a mock in tests without linking the real codec.
type Codec interface {
	// Generate encodes msg addressed to number into one or more SMS-SUBMIT
	// TPDUs, split automatically if msg does not fit in a single segment.
	Generate(number, msg string) ([]Part, error)

	// Parse decodes a "+CDS:" payload (the length prefix already stripped
	// by the caller) into a DeliveryStatus.
	Parse(pduHex string) (DeliveryStatus, error)
}

// WarthogCodec is the default Codec, backed by github.com/warthog618/sms.
type WarthogCodec struct{}

func (WarthogCodec) Generate(number, msg string) ([]Part, error) {
	pdus, err := sms.Encode([]byte(msg), sms.To(number), sms.WithAllCharsets)
	if err != nil {
		return nil, fmt.Errorf("pdu: encode: %w", err)
	}
	parts := make([]Part, 0, len(pdus))
	for _, p := range pdus {
		tp, err := p.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("pdu: marshal part: %w", err)
		}
		parts = append(parts, Part{
			Hex:     hex.EncodeToString(tp),
			TPDULen: len(tp),
		})
	}
	return parts, nil
}

func (WarthogCodec) Parse(pduHex string) (DeliveryStatus, error) {
	pm, err := pdumode.UnmarshalHexString(pduHex)
	if err != nil {
		return DeliveryStatus{}, fmt.Errorf("pdu: unmarshal pdu mode: %w", err)
	}
	var tp tpdu.TPDU
	if err := tp.UnmarshalBinary(pm.TPDU); err != nil {
		return DeliveryStatus{}, fmt.Errorf("pdu: unmarshal tpdu: %w", err)
	}
	status := tp.ST
	return DeliveryStatus{
		Reference:   int(tp.MR),
		StatusByte:  status,
		Terminal:    status == 0x00,
		Destination: tp.RA.Number(),
	}, nil
}
