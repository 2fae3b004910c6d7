package mlog

import "go.uber.org/zap"

// Zap adapts a *zap.Logger to Logger. Verbose maps to zap's Debug level
// with a "verbose":true field, since zap has no native fifth level between
// Info and Debug.
type Zap struct {
	l *zap.Logger
}

// NewZap wraps an existing *zap.Logger.
func NewZap(l *zap.Logger) *Zap {
	return &Zap{l: l}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func (z *Zap) Error(msg string, fields ...Field) { z.l.Error(msg, toZapFields(fields)...) }
func (z *Zap) Warn(msg string, fields ...Field)  { z.l.Warn(msg, toZapFields(fields)...) }
func (z *Zap) Info(msg string, fields ...Field)  { z.l.Info(msg, toZapFields(fields)...) }

func (z *Zap) Verbose(msg string, fields ...Field) {
	zf := append(toZapFields(fields), zap.Bool("verbose", true))
	z.l.Debug(msg, zf...)
}

func (z *Zap) Debug(msg string, fields ...Field) { z.l.Debug(msg, toZapFields(fields)...) }
