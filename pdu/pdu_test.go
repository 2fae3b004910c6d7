package pdu_test

import (
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/sim800gw/driver/pdu"
)

func TestMockCodec_SatisfiesInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := pdu.NewMockCodec(ctrl)
	var _ pdu.Codec = mock

	mock.EXPECT().Generate("+15551234567", "hi").Return([]pdu.Part{{Hex: "00", TPDULen: 1}}, nil)
	parts, err := mock.Generate("+15551234567", "hi")
	if err != nil || len(parts) != 1 || parts[0].TPDULen != 1 {
		t.Fatalf("unexpected result: %v, %v", parts, err)
	}

	mock.EXPECT().Parse("deadbeef").Return(pdu.DeliveryStatus{Reference: 9, StatusByte: 0x00, Terminal: true}, nil)
	status, err := mock.Parse("deadbeef")
	if err != nil || status.Reference != 9 || !status.Terminal {
		t.Fatalf("unexpected status: %+v, %v", status, err)
	}
}

// TestTerminal_OnlyStatusByteZero runs the named failure status bytes
// through the mock codec, each stubbed with Terminal set by the same rule
// WarthogCodec.Parse applies (status == 0x00), and checks that none comes
// back Terminal. It does not exercise WarthogCodec itself. Every byte other
// than 0x00, including the permanent-failure classes (>= 0x40), is not
// terminal-as-delivered; the caller treats it as an error.
func TestTerminal_OnlyStatusByteZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mock := pdu.NewMockCodec(ctrl)
	for _, status := range []byte{0x41, 0x43, 0x50, 0x60, 0x61, 0x62, 0x72} {
		mock.EXPECT().Parse("deadbeef").Return(pdu.DeliveryStatus{Reference: 9, StatusByte: status, Terminal: status == 0x00}, nil)
		got, err := mock.Parse("deadbeef")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Terminal {
			t.Fatalf("status 0x%02x: Terminal = true, want false", status)
		}
	}
}
