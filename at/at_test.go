package at_test

import (
	"testing"

	"github.com/sim800gw/driver/at"
)

func TestIsOK(t *testing.T) {
	cases := []struct {
		name string
		buf  string
		want bool
	}{
		{"well formed", "some prefix\r\nOK\r\n", true},
		{"missing trailing crlf", "OK\r", false},
		{"missing trailing crlf bare", "OK", false},
		{"error response", "+CME ERROR: SIM not inserted\r\n", false},
		{"empty", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := at.IsOK([]byte(c.buf)); got != c.want {
				t.Errorf("IsOK(%q) = %v, want %v", c.buf, got, c.want)
			}
		})
	}
}

func TestIsOKBoundary(t *testing.T) {
	// A partially-received "OK\r" must never complete a job; appending "\n"
	// must.
	if at.IsOK([]byte("OK\r")) {
		t.Fatal("OK\\r alone must not be considered complete")
	}
	if !at.IsOK([]byte("OK\r\n")) {
		t.Fatal("OK\\r\\n must be considered complete")
	}
}

func TestFragmentsRoundTrip(t *testing.T) {
	frags := at.Fragments([]byte("some prefix\r\nOK\r\n"))
	want := []string{"some prefix", "OK"}
	if len(frags) != len(want) {
		t.Fatalf("got %v, want %v", frags, want)
	}
	for i := range want {
		if frags[i] != want[i] {
			t.Fatalf("got %v, want %v", frags, want)
		}
	}
}

func TestGetErrorRequiresCRLF(t *testing.T) {
	withCRLF := at.GetError([]byte("+CME ERROR: SIM not inserted\r\n"))
	if !withCRLF.IsError || withCRLF.Message != "SIM not inserted" {
		t.Fatalf("unexpected result: %+v", withCRLF)
	}

	withoutCRLF := at.GetError([]byte("+CME ERROR: SIM not inserted"))
	if withoutCRLF.IsError {
		t.Fatalf("expected isError=false without trailing CRLF, got %+v", withoutCRLF)
	}
}

func TestGetErrorGeneric(t *testing.T) {
	res := at.GetError([]byte("AT+CMGS=23\r\nERROR\r\n"))
	if !res.IsError {
		t.Fatalf("expected generic ERROR to be reported, got %+v", res)
	}
}

func TestIsWaitingForInput(t *testing.T) {
	frags := at.Fragments([]byte("AT+CMGS=23\r\n"))
	frags = append(frags, "> ")
	if !at.IsWaitingForInput(frags) {
		t.Fatal("expected prompt to be detected")
	}
}

func TestNetworkReadyBanner(t *testing.T) {
	frags := []string{at.NetworkCallReady, at.NetworkSMSReady}
	if !at.NetworkReadyBanner(frags) {
		t.Fatal("expected banner to be recognized")
	}
	if at.NetworkReadyBanner([]string{at.NetworkCallReady}) {
		t.Fatal("banner requires both lines")
	}
}

func TestParseCREG(t *testing.T) {
	a, s, ok := at.ParseCREG("+CREG: 0,1")
	if !ok || a != 0 || s != 1 {
		t.Fatalf("got %d,%d,%v", a, s, ok)
	}
}

func TestParseCMGSReference(t *testing.T) {
	n, ok := at.ParseCMGSReference("+CMGS: 42")
	if !ok || n != 42 {
		t.Fatalf("got %d,%v", n, ok)
	}
}

func TestParseCPIN(t *testing.T) {
	cases := []struct {
		frag string
		want at.SimStatus
	}{
		{"+CPIN: READY", at.SimReady},
		{"+CPIN: SIM PIN", at.SimNeedPin},
		{"+CPIN: SIM PUK", at.SimNeedPuk},
		{"+CPIN: BLOCKED", at.SimError},
	}
	for _, c := range cases {
		got, ok := at.ParseCPIN(c.frag)
		if !ok || got != c.want {
			t.Errorf("ParseCPIN(%q) = %v,%v want %v", c.frag, got, ok, c.want)
		}
	}
}
