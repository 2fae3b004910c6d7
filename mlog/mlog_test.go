package mlog_test

import (
	"testing"

	"github.com/sim800gw/driver/mlog"
)

func TestNoOpDoesNotPanic(t *testing.T) {
	l := mlog.NoOp()
	l.Error("boom", mlog.F("code", 500))
	l.Warn("careful")
	l.Info("hello", mlog.F("n", 1))
	l.Verbose("chatty")
	l.Debug("dump", mlog.F("buf", []byte("AT\r")))
}
