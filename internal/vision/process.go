package vision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/flight-core/internal/bus"
)

const (
	// ParseErrorsThreshold defines the number of consecutive malformed lines allowed
	ParseErrorsThreshold = 5
)

var (
	// ErrTooManyParseErrors is returned when the number of consecutive parse errors reaches the threshold
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrDetectorExited is reported when the detector exits on its own, even cleanly
	ErrDetectorExited = errors.New("detector exited")

	// ErrAlreadyRunning is returned by Start on a running process
	ErrAlreadyRunning = errors.New("detector is already running")
)

// WithLogger sets the logger for the detector process
func WithLogger(logger *slog.Logger) func(p *Process) {
	return func(p *Process) {
		p.logger = logger.With(slog.String("detector", p.path))
	}
}

// WithParseErrorsThreshold sets the threshold for consecutive parse errors
func WithParseErrorsThreshold(threshold uint8) func(p *Process) {
	return func(p *Process) {
		p.parseErrorsThreshold = threshold
	}
}

// WithClock replaces the clock used to timestamp parsed signals
func WithClock(clock func() time.Time) func(p *Process) {
	return func(p *Process) {
		p.now = clock
	}
}

// Process runs an external target detector and publishes every line it prints to stdout as an
// ErrorSignal.
type Process struct {
	path    string
	args    []string
	signals bus.Publisher[ErrorSignal]

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	parseErrorsThreshold uint8
	now                  func() time.Time
	logger               *slog.Logger
}

// NewProcess creates a detector process for the given command line with a discard logger
func NewProcess(path string, args []string, signals bus.Publisher[ErrorSignal], options ...func(p *Process)) *Process {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	p := Process{
		path:                 path,
		args:                 args,
		signals:              signals,
		parseErrorsThreshold: ParseErrorsThreshold,
		now:                  time.Now,
		logger:               logger,
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Start launches the detector. The returned channel receives the reason the detector stopped and
// is closed once it has exited. Only a stop requested through ctx or Stop reports no error.
func (p *Process) Start(ctx context.Context) (<-chan error, error) {
	if !p.isRunning.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	ctx, p.cancel = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, p.path, p.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		p.isRunning.Store(false)
		return nil, fmt.Errorf("error starting detector: %w", err)
	}

	stopped := make(chan error, 1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(stopped)

		p.logger.Info("detector started", slog.Int("pid", cmd.Process.Pid))

		// readers first: Wait closes the pipes, so it may only run once both have hit EOF
		readers := make(chan error, 2)
		go p.handleStdout(stdout, readers)
		go p.handleStderr(stderr, readers)

		var errs []error
		for i := 0; i < cap(readers); i++ {
			if err := <-readers; err != nil {
				p.cancel()
				p.logger.Error(err.Error())
				errs = append(errs, err)
			}
		}

		if err := cmd.Wait(); ctx.Err() == nil {
			if err != nil {
				errs = append(errs, fmt.Errorf("%w with error: %w", ErrDetectorExited, err))
			} else if len(errs) == 0 {
				errs = append(errs, ErrDetectorExited)
			}
		}

		p.isRunning.Store(false)
		p.logger.Info("detector stopped")

		if len(errs) > 0 {
			stopped <- errors.Join(errs...)
		}
	}()

	return stopped, nil
}

// Stop terminates the detector and waits for its output to drain
func (p *Process) Stop() {
	if !p.isRunning.Load() {
		return // already stopped
	}

	p.cancel()
	p.wg.Wait()
}

// IsRunning returns true while the detector process is alive
func (p *Process) IsRunning() bool {
	return p.isRunning.Load()
}

func (p *Process) handleStdout(stdout io.Reader, done chan<- error) {
	var parseErrors uint8

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		signal, err := ParseLine(line, p.now())
		if err != nil {
			parseErrors++
			p.logger.Warn("error parsing detector output", slog.String("line", line), slog.Any("error", err))

			if parseErrors >= p.parseErrorsThreshold {
				done <- ErrTooManyParseErrors
				return
			}

			continue
		}

		parseErrors = 0 // reset counter
		p.signals.Publish(signal)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

func (p *Process) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p.logger.Warn(fmt.Sprintf("detector >> %s", line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// FindRuntime resolves the detector executable on PATH
func FindRuntime(name string) (string, error) {
	binPath, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("failed to find detector '%s': %w", name, err)
	}

	return binPath, nil
}
