package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Executor runs one command and returns its output. A returned error marks
// the command failed.
type Executor interface {
	Execute(ctx context.Context, command string, args json.RawMessage) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, command string, args json.RawMessage) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, command string, args json.RawMessage) (string, error) {
	return f(ctx, command, args)
}

// maxSleep bounds the sleep built-in.
const maxSleep = 5 * time.Minute

// Builtins implements the commands every agent understands.
type Builtins struct {
	DeviceID string
	started  time.Time
}

// NewBuiltins creates the built-in executor.
func NewBuiltins(deviceID string) *Builtins {
	return &Builtins{DeviceID: deviceID, started: time.Now()}
}

func (b *Builtins) Execute(ctx context.Context, command string, args json.RawMessage) (string, error) {
	switch command {
	case "ping":
		return "pong", nil
	case "status":
		return b.status()
	case "echo":
		return echo(args), nil
	case "sleep":
		return sleep(ctx, args)
	default:
		return "", fmt.Errorf("unknown command %q", command)
	}
}

func (b *Builtins) status() (string, error) {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(map[string]any{
		"device":     b.DeviceID,
		"hostname":   hostname,
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     int64(time.Since(b.started).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// echo returns a JSON string argument unquoted and anything else verbatim.
func echo(args json.RawMessage) string {
	var s string
	if err := json.Unmarshal(args, &s); err == nil {
		return s
	}
	return string(args)
}

// sleep accepts a number of seconds or {"seconds": n}.
func sleep(ctx context.Context, args json.RawMessage) (string, error) {
	var secs float64
	if err := json.Unmarshal(args, &secs); err != nil {
		var obj struct {
			Seconds float64 `json:"seconds"`
		}
		if err := json.Unmarshal(args, &obj); err != nil {
			return "", fmt.Errorf("sleep: invalid args: %w", err)
		}
		secs = obj.Seconds
	}
	d := time.Duration(secs * float64(time.Second))
	if d < 0 || d > maxSleep {
		return "", fmt.Errorf("sleep: duration must be between 0 and %s", maxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "slept " + strconv.FormatFloat(secs, 'f', -1, 64) + "s", nil
	}
}
