package cancel

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// NotifyOS routes SIGINT and SIGTERM into s. The returned function stops
// signal delivery; it must be called before the process exits.
func NotifyOS(s *Signal) (stop func()) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigChan:
				s.RequestStop(reasonForSignal(sig))
			case <-quit:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(quit)
	}
}

func reasonForSignal(sig os.Signal) Reason {
	if sig == syscall.SIGTERM {
		return ReasonExternalTerminate
	}
	return ReasonExternalInterrupt
}

// AfterTimeout requests ReasonTimeout once d has elapsed. A non-positive d
// disables the timeout. The returned function cancels a pending timeout.
func AfterTimeout(s *Signal, d time.Duration) (stop func() bool) {
	if d <= 0 {
		return func() bool { return false }
	}
	t := time.AfterFunc(d, func() { s.RequestStop(ReasonTimeout) })
	return t.Stop
}

// WatchParent polls the parent pid every interval and requests
// ReasonParentDied when the process has been reparented to init.
// It returns when ctx is done or the signal is stopped.
func WatchParent(ctx context.Context, s *Signal, interval time.Duration) {
	watchParent(ctx, s, interval, unix.Getppid)
}

func watchParent(ctx context.Context, s *Signal, interval time.Duration, getppid func() int) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			if getppid() == 1 {
				s.RequestStop(ReasonParentDied)
				return
			}
		}
	}
}
