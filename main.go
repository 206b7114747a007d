package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phsym/console-slog"

	"i4.energy/across/sbdgw/exchange"
	"i4.energy/across/sbdgw/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 19200, "Baud rate for serial communication")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Duration("poll-interval", 10*time.Second, "How often to run an exchange cycle")
	flag.String("message-log", "", "Path of the append-only message log file")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("ENV") == "development" {
		handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithSessionTimeout(90 * time.Second).
		WithSessionAttempts(4).
		WithBackoff(2*time.Second, 30*time.Second).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			BaudRate: config.BaudRate,
		}).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	m, err := modem.New(context.Background(), modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() {
		if err := m.Loop(loopCtx); err != nil {
			logger.Error("Modem loop exited", "error", err)
		}
	}()

	session := modem.NewSession(m, modemConfig, logger.With("component", "session"))

	sinks := exchange.Sinks{SlogSink{Logger: logger.With("component", "sink")}}
	if config.MessageLog != "" {
		sinks = append(sinks, NewFileSink(config.MessageLog))
	}

	coord := exchange.New(session, exchange.Config{
		Sink:   sinks,
		Policy: exchange.PolicyReject,
		Logger: logger.With("component", "exchange"),
	})

	logger.Info("Starting SBD Gateway", "imei", m.IMEI(), "serial_port", config.SerialPort)

	wake := make(chan struct{}, 1)

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  logger.With("component", "server"),
			Modem:   m,
			Session: session,
			Coord:   coord,
			Wake:    wake,
		},
	}

	go runCycles(loopCtx, logger, coord, m, config.PollInterval, wake)

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	stopLoop()

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

// runCycles drives exchange cycles on a timer, on ring alerts from the
// device, and on wake nudges from the HTTP surface.
func runCycles(ctx context.Context, logger *slog.Logger, coord *exchange.Coordinator, m *modem.Modem, interval time.Duration, wake <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		case <-m.Ring():
			logger.Info("Ring alert received")
		}

		if _, err := coord.RunCycle(ctx); err != nil {
			switch {
			case errors.Is(err, exchange.ErrCycleInProgress):
				// Someone else holds the modem; the next trigger retries.
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, modem.ErrFaulted):
				logger.Error("Session engine faulted, waiting for reset", "error", err)
			default:
				logger.Error("Exchange cycle failed", "error", err)
			}
		}
	}
}
