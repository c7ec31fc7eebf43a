// Command ser2tcpd runs one or more RFC 2217 / raw serial-to-TCP bridges
// from a configuration file, mirroring ser2tcp.py's main()/run()/
// serve_forever().
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cybroslabs/ser2tcp-go/base"
	"github.com/cybroslabs/ser2tcp-go/config"
	"github.com/cybroslabs/ser2tcp-go/listener"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// joinTimeout bounds how long main waits for every bridge's in-flight
// sessions to finish after a listener is told to stop accepting.
const joinTimeout = 7 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "ser2tcpd",
		Short: "Serve serial ports over RFC 2217 or raw TCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, logLevel)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "./ser2tcp.yaml", "configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	return cmd
}

func run(configFile, logLevel string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("preparing to run...")
	configs, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("preparing to run: %w", err)
	}
	if len(configs) == 0 {
		return fmt.Errorf("preparing to run: configuration has no bridges")
	}

	listeners := make([]*listener.Listener, 0, len(configs))
	for _, c := range configs {
		c := c
		l := listener.New(c, func() (base.SerialDevice, error) {
			return config.OpenDevice(c, logger)
		}, logger)
		listeners = append(listeners, l)
	}

	var wg sync.WaitGroup
	for _, l := range listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Serve(); err != nil {
				logger.Errorf("listener stopped: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, l := range listeners {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		logger.Warnf("bridges did not all terminate within %s", joinTimeout)
	}
	return nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
