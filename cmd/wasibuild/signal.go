package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// interruptExitCode is used when a second signal arrives while the first
// cancellation is still unwinding.
const interruptExitCode = 130

// SignalHandler cancels its context on the first SIGINT or SIGTERM. That
// closes in-flight downloads and stops a running guest. A second signal
// exits immediately.
type SignalHandler struct {
	ctx     context.Context
	cancel  context.CancelFunc
	signals chan os.Signal
	done    chan struct{}
	once    sync.Once
	exit    func(int)
}

func NewSignalHandler(ctx context.Context) *SignalHandler {
	h := newSignalHandler(ctx, os.Exit)
	signal.Notify(h.signals, os.Interrupt, syscall.SIGTERM)
	return h
}

func newSignalHandler(ctx context.Context, exit func(int)) *SignalHandler {
	ctx, cancel := context.WithCancel(ctx)
	return &SignalHandler{
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan os.Signal, 2),
		done:    make(chan struct{}),
		exit:    exit,
	}
}

func (s *SignalHandler) Context() context.Context {
	return s.ctx
}

func (s *SignalHandler) Start() {
	go func() {
		received := 0
		for {
			select {
			case sig := <-s.signals:
				received++
				if received > 1 {
					slog.Error("Second signal received, exiting", "signal", sig.String())
					s.exit(interruptExitCode)
					return
				}
				slog.Warn("Received signal, cancelling (repeat to force exit)", "signal", sig.String())
				s.cancel()
			case <-s.done:
				return
			}
		}
	}()
}

func (s *SignalHandler) Stop() {
	s.once.Do(func() {
		signal.Stop(s.signals)
		close(s.done)
		s.cancel()
	})
}
