package vision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/flight-core/internal/bus"
)

type signalLog struct {
	mu      sync.Mutex
	signals []ErrorSignal
}

func (l *signalLog) Publish(s ErrorSignal) {
	l.mu.Lock()
	l.signals = append(l.signals, s)
	l.mu.Unlock()
}

func (l *signalLog) all() []ErrorSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ErrorSignal(nil), l.signals...)
}

func requireShell(t *testing.T) string {
	t.Helper()

	sh, err := FindRuntime("sh")
	if err != nil {
		t.Skip("sh is not available")
	}
	return sh
}

func waitStopped(t *testing.T, stopped <-chan error) error {
	t.Helper()

	select {
	case err := <-stopped:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("detector did not stop")
		return nil
	}
}

func TestProcess_PublishesParsedLines(t *testing.T) {
	sh := requireShell(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	signals := &signalLog{}

	p := NewProcess(sh, []string{"-c", "echo 300,12,-4.5; echo; echo lost; echo 250,0,0; echo warming up >&2"},
		signals, WithClock(func() time.Time { return ts }))

	stopped, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, waitStopped(t, stopped), ErrDetectorExited)

	assert.Equal(t, []ErrorSignal{
		{Timestamp: ts, Distance: 300, HorizontalOffset: 12, VerticalOffset: -4.5},
		{Timestamp: ts, Lost: true},
		{Timestamp: ts, Distance: 250},
	}, signals.all())
	assert.False(t, p.IsRunning())
}

func TestProcess_TooManyParseErrors(t *testing.T) {
	sh := requireShell(t)
	signals := &signalLog{}

	p := NewProcess(sh, []string{"-c", "echo 300,0,0; for i in 1 2 3; do echo garbage; done; exec sleep 10"},
		signals, WithParseErrorsThreshold(3))

	stopped, err := p.Start(context.Background())
	require.NoError(t, err)

	err = waitStopped(t, stopped)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyParseErrors))
	assert.Len(t, signals.all(), 1)
}

func TestProcess_ParseErrorCounterResets(t *testing.T) {
	sh := requireShell(t)
	signals := &signalLog{}

	p := NewProcess(sh, []string{"-c", "echo bad; echo bad; echo 1,1,1; echo bad; echo bad; echo 2,2,2"},
		signals, WithParseErrorsThreshold(3))

	stopped, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, waitStopped(t, stopped), ErrDetectorExited)
	assert.Len(t, signals.all(), 2)
}

func TestProcess_CleanExitIsReported(t *testing.T) {
	sh := requireShell(t)

	for name, script := range map[string]string{
		"true": "true",
		"echo": "echo 300,0,0",
		"fail": "exit 3",
	} {
		t.Run(name, func(t *testing.T) {
			p := NewProcess(sh, []string{"-c", script}, &signalLog{})

			stopped, err := p.Start(context.Background())
			require.NoError(t, err)

			err = waitStopped(t, stopped)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDetectorExited)

			_, open := <-stopped
			assert.False(t, open, "closed after the reason is delivered")
		})
	}
}

func TestProcess_CancelledContextIsNotAnExit(t *testing.T) {
	sh := requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())

	p := NewProcess(sh, []string{"-c", "exec sleep 10"}, &signalLog{})
	stopped, err := p.Start(ctx)
	require.NoError(t, err)

	cancel()
	assert.NoError(t, waitStopped(t, stopped))
}

func TestProcess_StopAndRestart(t *testing.T) {
	sh := requireShell(t)
	topic := bus.NewTopic[ErrorSignal]("error_signal")

	p := NewProcess(sh, []string{"-c", "exec sleep 10"}, topic)

	stopped, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, p.IsRunning())

	_, err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	p.Stop()
	assert.False(t, p.IsRunning())
	assert.NoError(t, waitStopped(t, stopped), "a requested stop is not a failure")

	stopped, err = p.Start(context.Background())
	require.NoError(t, err)
	p.Stop()
	waitStopped(t, stopped)
}

func TestProcess_StartFailure(t *testing.T) {
	p := NewProcess("/nonexistent/detector", nil, &signalLog{})

	_, err := p.Start(context.Background())
	require.Error(t, err)
	assert.False(t, p.IsRunning())
}
