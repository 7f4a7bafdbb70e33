// Package agent implements the reference fleetlink device agent.
package agent

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/markus-barta/fleetlink/internal/config"
	"github.com/markus-barta/fleetlink/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

// recentCapacity is how many command outcomes are remembered for re-acking
// redelivered commands.
const recentCapacity = 256

// Agent connects a device to fleetlink and executes its commands.
type Agent struct {
	cfg      *config.AgentConfig
	log      zerolog.Logger
	ws       *WebSocketClient
	executor Executor
	started  time.Time

	mu     sync.Mutex
	recent map[string]protocol.ControlAckPayload
	order  []string
}

// Option configures an Agent.
type Option func(*Agent)

// WithExecutor replaces the built-in executor.
func WithExecutor(e Executor) Option {
	return func(a *Agent) { a.executor = e }
}

// New creates an agent.
func New(cfg *config.AgentConfig, log zerolog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		log:      log.With().Str("component", "agent").Str("device", cfg.DeviceID).Logger(),
		executor: NewBuiltins(cfg.DeviceID),
		started:  time.Now(),
		recent:   make(map[string]protocol.ControlAckPayload),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.ws = NewWebSocketClient(cfg, a.log, a)
	return a
}

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Str("url", a.cfg.URL).Str("version", Version).Msg("starting agent")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.statusLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.messageLoop(ctx)
	}()

	a.ws.Run(ctx)
	wg.Wait()

	a.log.Info().Msg("agent stopped")
	return nil
}

// OnConnected announces the device with a status frame.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected")
	a.sendStatus("connected")
}

// OnDisconnected is called when the connection drops.
func (a *Agent) OnDisconnected() {
	a.log.Warn().Msg("disconnected")
}

func (a *Agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.ws.IsConnected() {
				a.sendStatus("idle")
			}
		}
	}
}

func (a *Agent) sendStatus(state string) {
	payload := protocol.StatusPayload{
		State:  state,
		Uptime: int64(time.Since(a.started).Seconds()),
		Info: map[string]any{
			"version": Version,
			"os":      runtime.GOOS,
			"arch":    runtime.GOARCH,
		},
	}
	if err := a.ws.Send(protocol.TypeStatus, payload); err != nil {
		a.log.Debug().Err(err).Msg("failed to send status")
	}
}

// messageLoop executes commands one at a time, in delivery order.
func (a *Agent) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.ws.Frames():
			a.handleFrame(ctx, f)
		}
	}
}

func (a *Agent) handleFrame(ctx context.Context, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeCommand:
		var cmd protocol.CommandPayload
		if err := f.ParsePayload(&cmd); err != nil || cmd.CommandID == "" {
			a.log.Warn().Err(err).Msg("invalid command frame")
			return
		}
		a.ack(a.execute(ctx, cmd))
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = f.ParsePayload(&p)
		a.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("server reported error")
	default:
		a.log.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

// execute runs a command unless it already ran, in which case the earlier
// outcome is returned.
func (a *Agent) execute(ctx context.Context, cmd protocol.CommandPayload) protocol.ControlAckPayload {
	if prev, ok := a.lookup(cmd.CommandID); ok {
		a.log.Info().Str("command_id", cmd.CommandID).Int("attempt", cmd.Attempt).Msg("redelivered command, re-acking")
		return prev
	}

	a.log.Info().Str("command_id", cmd.CommandID).Str("command", cmd.Command).Msg("executing command")
	start := time.Now()
	out, err := a.executor.Execute(ctx, cmd.Command, cmd.Args)

	ack := protocol.ControlAckPayload{CommandID: cmd.CommandID, Status: protocol.AckExecuted, Output: out}
	if err != nil {
		ack.Status = protocol.AckFailed
		ack.Error = err.Error()
	}
	a.log.Info().
		Str("command_id", cmd.CommandID).
		Str("status", ack.Status).
		Dur("took", time.Since(start)).
		Msg("command finished")

	a.remember(ack)
	return ack
}

func (a *Agent) ack(p protocol.ControlAckPayload) {
	if err := a.ws.Send(protocol.TypeControlAck, p); err != nil {
		// The server requeues unacknowledged commands; the redelivery is
		// answered from the recent outcomes.
		a.log.Warn().Err(err).Str("command_id", p.CommandID).Msg("failed to send ack")
	}
}

func (a *Agent) lookup(id string) (protocol.ControlAckPayload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.recent[id]
	return p, ok
}

func (a *Agent) remember(p protocol.ControlAckPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.recent[p.CommandID]; ok {
		return
	}
	a.recent[p.CommandID] = p
	a.order = append(a.order, p.CommandID)
	if len(a.order) > recentCapacity {
		delete(a.recent, a.order[0])
		a.order = a.order[1:]
	}
}
