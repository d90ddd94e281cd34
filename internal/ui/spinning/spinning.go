// Package spinning shows a spinner on the terminal during long silent operations (loading
// checkpoints, compiling graphs), and handles interruptions of the command line tools.
package spinning

import (
	"context"
	"fmt"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	ThemeASCII   = []rune(`|/-\`)
	ThemeBraille = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

	// Theme used by new spinners.
	Theme = ThemeBraille

	// Interval between frames.
	Interval = 200 * time.Millisecond
)

// Spinning displays a spinner until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
	frames int
}

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt (if not nil). If the
// program hasn't exited after gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// New starts a spinner with the message, on a separate goroutine, writing to stdout.
func New(ctx context.Context, message string) *Spinning {
	return NewWithWriter(ctx, os.Stdout, message)
}

// NewWithWriter starts a spinner with the message that writes to w. It stops when ctx is
// cancelled or Done is called.
func NewWithWriter(ctx context.Context, w io.Writer, message string) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	theme := Theme
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(w, "\033[?25l") // Hide cursor.
		defer func() {
			// Clear the line and restore cursor.
			_, _ = fmt.Fprint(w, "\r\x1b[0K\033[?25h")
		}()
		for {
			_, _ = fmt.Fprintf(w, "\r%c %s", theme[s.frames%len(theme)], message)
			s.frames++
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clear its line. It returns the number of frames displayed.
func (s *Spinning) Done() int {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	return s.frames
}
