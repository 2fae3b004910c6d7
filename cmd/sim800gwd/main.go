package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sim800gw/driver/at"
	"github.com/sim800gw/driver/engine"
	"github.com/sim800gw/driver/mlog"
	"github.com/sim800gw/driver/pdu"
	"github.com/sim800gw/driver/sms"
	"github.com/sim800gw/driver/supervisor"
	"github.com/sim800gw/driver/transport"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	zl, err := newZapLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := mlog.NewZap(zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := transport.SerialDialer{PortName: cfg.Serial.Port, BaudRate: cfg.Serial.BaudRate}
	tr, err := dialer.Dial(ctx)
	if err != nil {
		logger.Error("dial modem", mlog.F("port", cfg.Serial.Port), mlog.F("err", err))
		os.Exit(1)
	}

	codec := pdu.WarthogCodec{}

	// smsCoord is assigned after eng exists, but the engine needs the
	// delivery-report hook at construction time, so the hook closes over
	// this variable rather than the other way around.
	var smsCoord *sms.Coordinator
	eng := engine.New(tr, engine.WithLogger(logger), engine.WithDeliveryReportHook(func(dr at.DeliveryReport) {
		if smsCoord == nil {
			return
		}
		if err := smsCoord.RouteDeliveryReport(dr); err != nil {
			logger.Warn("unroutable delivery report", mlog.F("shortID", dr.ShortID), mlog.F("err", err))
		}
	}))

	sup := supervisor.New(eng, buildSupervisorConfig(cfg), supervisor.WithLogger(logger), supervisor.WithQueueClearer(eng.ClearQueue))

	smsCoord = sms.New(codec, eng,
		sms.WithLogger(logger),
		sms.WithAutoDelete(cfg.SMS.AutoDelete, nil),
		sms.WithReadyGate(sup),
	)

	events := sup.Subscribe(ctx)
	go logEvents(logger, events)

	go smsCoord.Run(ctx)
	defer smsCoord.Close()

	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Run(ctx) }()

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", mlog.F("reason", ctx.Err()))
	case err := <-engineErr:
		logger.Error("engine stopped", mlog.F("err", err))
	case err := <-supErr:
		logger.Error("supervisor stopped", mlog.F("err", err))
	}

	eng.Close()
}

func buildSupervisorConfig(cfg *Config) supervisor.Config {
	return supervisor.NewConfigBuilder().
		WithSimPIN(cfg.SimPIN).
		WithMaxInitRetries(cfg.Supervisor.MaxInitRetries).
		WithMaxResets(cfg.Supervisor.MaxResets).
		WithNetworkCheckInterval(cfg.Supervisor.NetworkCheckInterval).
		WithBrownoutCheckInterval(cfg.Supervisor.BrownoutCheckInterval).
		Build()
}

func newZapLogger(level string) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.InfoLevel
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func logEvents(logger mlog.Logger, events <-chan supervisor.Event) {
	for ev := range events {
		logger.Info("supervisor event", mlog.F("kind", string(ev.Kind)), mlog.F("payload", ev.Payload))
	}
}
