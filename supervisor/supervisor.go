package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mcpschema "github.com/viant/mcp-protocol/schema"
	"github.com/viant/mcpbridge/envelope"
	"github.com/viant/mcpbridge/framer"
	"github.com/viant/mcpbridge/metrics"
	"github.com/viant/mcpbridge/schema"
)

// ownIDPrefix marks request ids issued by the supervisor itself (handshake and
// probes). Router correlation ids are numbers, so the two never collide.
const ownIDPrefix = "mcp-bridge-"

// outputDrainDelay bounds how long buffered child output is still read after exit.
const outputDrainDelay = 2 * time.Second

// Listener receives upstream traffic not consumed by the supervisor.
type Listener interface {
	// OnMessage is called from the single read loop, in upstream order.
	OnMessage(msg *envelope.Envelope)
	// OnCrash is called once per unexpected exit and once when restarts are exhausted.
	OnCrash(err error)
}

// Supervisor owns the single upstream process.
type Supervisor struct {
	config     *Config
	command    string
	args       []string
	listener   Listener
	logger     *slog.Logger
	metrics    *metrics.Metrics
	writer     *framer.Writer
	clientInfo mcpschema.Implementation

	stopCtx    context.Context
	stopCancel context.CancelFunc

	mux           sync.Mutex
	state         State
	started       bool
	stopRequested bool
	exhausted     bool
	current       *child
	restarts      int
	attempts      int
	lastExit      *Exit
	server        *mcpschema.Implementation
	initResult    json.RawMessage

	callMux sync.Mutex
	calls   map[string]chan *envelope.Envelope
	seq     atomic.Uint64
}

// Start launches the upstream process and returns once it reports readiness.
// Failed launches are retried with backoff; when every attempt fails the
// error wraps schema.ErrRestartExhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mux.Lock()
	if s.started {
		s.mux.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mux.Unlock()
	for attempt := 0; ; attempt++ {
		err := s.launch(ctx)
		if err == nil {
			return nil
		}
		if s.isStopRequested() {
			return err
		}
		s.logger.Warn("upstream start failed", "attempt", attempt+1, "err", err)
		s.mux.Lock()
		if attempt >= s.config.maxRestarts() {
			s.exhausted = true
			s.state = Crashed
			s.mux.Unlock()
			return fmt.Errorf("%w: %w", schema.ErrRestartExhausted, err)
		}
		s.restarts++
		s.mux.Unlock()
		s.metrics.Restart()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCtx.Done():
			return schema.ErrUpstreamUnavailable
		case <-time.After(s.config.backoff(attempt + 1)):
		}
	}
}

// Send queues msg for the upstream process. While a restart is in progress the
// message waits in the bounded queue until the new process is ready; once
// restarts are exhausted or the supervisor is stopped it fails immediately.
func (s *Supervisor) Send(msg *envelope.Envelope) error {
	s.mux.Lock()
	exhausted, stopped, started := s.exhausted, s.stopRequested, s.started
	s.mux.Unlock()
	switch {
	case exhausted:
		return schema.ErrRestartExhausted
	case stopped, !started:
		return schema.ErrUpstreamUnavailable
	}
	err := s.writer.Enqueue(msg)
	if errors.Is(err, framer.ErrClosed) {
		return schema.ErrUpstreamUnavailable
	}
	return err
}

// Stop terminates the upstream process: stdin is closed and SIGTERM sent, then
// the process is killed after the grace period or when ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mux.Lock()
	if s.stopRequested {
		s.mux.Unlock()
		return nil
	}
	s.stopRequested = true
	s.state = Stopping
	c := s.current
	s.mux.Unlock()

	s.stopCancel()
	s.writer.Close()
	s.metrics.SetReady(false)
	if c != nil {
		s.terminate(ctx, c)
		c.release()
	}
	s.mux.Lock()
	s.state = Stopped
	s.mux.Unlock()
	s.logger.Info("upstream stopped")
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

// Ready reports whether the upstream process accepts traffic.
func (s *Supervisor) Ready() bool {
	return s.State() == Ready
}

// InitializeResult returns the raw result of the last upstream handshake, or
// nil when no handshake completed.
func (s *Supervisor) InitializeResult() json.RawMessage {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.initResult
}

// Exhausted reports whether the supervisor gave up restarting.
func (s *Supervisor) Exhausted() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.exhausted
}

func (s *Supervisor) isStopRequested() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.stopRequested
}

func (s *Supervisor) launch(ctx context.Context) error {
	s.mux.Lock()
	if s.stopRequested {
		s.mux.Unlock()
		return schema.ErrUpstreamUnavailable
	}
	s.state = Starting
	s.mux.Unlock()

	c, err := s.spawn()
	if err != nil {
		return fmt.Errorf("failed to spawn upstream: %w", err)
	}
	s.mux.Lock()
	s.current = c
	s.mux.Unlock()

	if err = s.handshake(ctx, c); err == nil {
		s.mux.Lock()
		if s.stopRequested {
			err = schema.ErrUpstreamUnavailable
		} else {
			s.state = Ready
		}
		s.mux.Unlock()
	}
	if err != nil {
		_ = c.cmd.Process.Kill()
		<-c.exited
		c.release()
		s.mux.Lock()
		if s.current == c {
			s.current = nil
		}
		s.mux.Unlock()
		return err
	}
	s.metrics.SetReady(true)
	s.logger.Info("upstream ready", "pid", c.cmd.Process.Pid)
	go s.drain(c)
	go s.probe(c)
	go s.stabilize(c)
	go s.watch(c)
	return nil
}

func (s *Supervisor) spawn() (*child, error) {
	cmd := exec.Command(s.command, s.args...)
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Stderr = newLineLogger(s.logger.With("component", "child"))
	cmd.WaitDelay = s.config.StopGrace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutReader, stdoutWriter, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutWriter
	if err = cmd.Start(); err != nil {
		_ = stdoutReader.Close()
		_ = stdoutWriter.Close()
		return nil, err
	}
	_ = stdoutWriter.Close()
	ctx, cancel := context.WithCancel(context.Background())
	c := &child{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutReader,
		ctx:        ctx,
		cancel:     cancel,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
		started:    time.Now(),
	}
	go s.read(c)
	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()
	s.logger.Info("upstream spawned", "pid", cmd.Process.Pid, "command", s.command, "args", strings.Join(s.args, " "))
	return c, nil
}

func (s *Supervisor) read(c *child) {
	defer close(c.readerDone)
	messages := framer.Messages(c.stdout,
		framer.WithLogger(s.logger),
		framer.WithMaxLineBytes(s.config.MaxLineBytes),
		framer.WithMalformedHook(func(error) { s.metrics.MalformedLine() }),
	)
	for msg := range messages {
		if s.consumeOwn(msg) {
			continue
		}
		s.listener.OnMessage(msg)
	}
}

func (s *Supervisor) handshake(ctx context.Context, c *child) error {
	if s.config.DisableHandshake {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer cancel()
	params := &mcpschema.InitializeRequestParams{
		Capabilities:    mcpschema.ClientCapabilities{},
		ClientInfo:      s.clientInfo,
		ProtocolVersion: schema.ProtocolVersion,
	}
	response, err := s.call(ctx, c, schema.MethodInitialize, params, true)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", schema.ErrStartupTimeout, s.config.StartupTimeout)
		}
		return err
	}
	if response.Error != nil {
		return fmt.Errorf("upstream rejected initialize: %w", response.Error)
	}
	result := &mcpschema.InitializeResult{}
	if err = json.Unmarshal(response.Result, result); err == nil {
		s.mux.Lock()
		s.server = &result.ServerInfo
		s.initResult = response.Result
		s.mux.Unlock()
	}
	initialized := &envelope.Envelope{Jsonrpc: envelope.Version, Method: schema.MethodNotificationInitialized}
	return writeFrame(c.stdin, initialized)
}

// call issues a supervisor-owned request. Direct calls bypass the queue and
// are only used before the drain loop of c starts.
func (s *Supervisor) call(ctx context.Context, c *child, method string, params any, direct bool) (*envelope.Envelope, error) {
	id := fmt.Sprintf("%s%d", ownIDPrefix, s.seq.Add(1))
	rawID, _ := json.Marshal(id)
	request, err := envelope.NewRequest(rawID, method, params)
	if err != nil {
		return nil, err
	}
	responses := make(chan *envelope.Envelope, 1)
	s.callMux.Lock()
	s.calls[id] = responses
	s.callMux.Unlock()
	defer func() {
		s.callMux.Lock()
		delete(s.calls, id)
		s.callMux.Unlock()
	}()
	if direct {
		err = writeFrame(c.stdin, request)
	} else {
		err = s.writer.Enqueue(request)
	}
	if err != nil {
		return nil, err
	}
	select {
	case response := <-responses:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.exited:
		return nil, fmt.Errorf("%w during %s", schema.ErrUpstreamCrashed, method)
	}
}

// consumeOwn delivers responses to supervisor-owned requests.
func (s *Supervisor) consumeOwn(msg *envelope.Envelope) bool {
	if msg.Kind() != envelope.KindResponse || len(msg.Id) == 0 || msg.Id[0] != '"' {
		return false
	}
	var id string
	if err := json.Unmarshal(msg.Id, &id); err != nil || !strings.HasPrefix(id, ownIDPrefix) {
		return false
	}
	s.callMux.Lock()
	responses, ok := s.calls[id]
	s.callMux.Unlock()
	if ok {
		select {
		case responses <- msg:
		default:
		}
	}
	return true
}

func (s *Supervisor) drain(c *child) {
	err := s.writer.Drain(c.ctx, c.stdin)
	if err == nil || c.ctx.Err() != nil || errors.Is(err, framer.ErrClosed) {
		return
	}
	s.logger.Warn("upstream stdin failed, killing process", "pid", c.cmd.Process.Pid, "err", err)
	_ = c.cmd.Process.Kill()
}

func (s *Supervisor) probe(c *child) {
	if s.config.ProbeInterval <= 0 || s.config.DisableHandshake {
		return
	}
	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(c.ctx, s.config.ProbeTimeout)
		_, err := s.call(ctx, c, schema.MethodPing, nil, false)
		cancel()
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			continue
		}
		failures++
		s.logger.Warn("upstream probe failed", "failures", failures, "err", err)
		if failures >= s.config.ProbeFailures {
			s.logger.Error("upstream unresponsive, killing process", "pid", c.cmd.Process.Pid)
			_ = c.cmd.Process.Kill()
			return
		}
	}
}

// stabilize resets the consecutive restart counter once c stayed up long enough.
func (s *Supervisor) stabilize(c *child) {
	timer := time.NewTimer(s.config.StableAfter)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
	case <-timer.C:
		s.mux.Lock()
		if s.current == c {
			s.attempts = 0
		}
		s.mux.Unlock()
	}
}

func (s *Supervisor) watch(c *child) {
	<-c.exited
	c.release()
	exit := newExit(c)
	s.mux.Lock()
	if s.current == c {
		s.current = nil
	}
	s.lastExit = exit
	if s.stopRequested {
		s.mux.Unlock()
		return
	}
	s.state = Crashed
	s.mux.Unlock()

	s.metrics.SetReady(false)
	s.metrics.Crash()
	dropped := s.writer.Reset()
	s.logger.Error("upstream exited unexpectedly", "code", exit.Code, "err", exit.Error, "droppedFrames", dropped)
	s.listener.OnCrash(fmt.Errorf("%w: %s", schema.ErrUpstreamCrashed, exit))
	s.restart()
}

func (s *Supervisor) restart() {
	for {
		s.mux.Lock()
		if s.stopRequested {
			s.mux.Unlock()
			return
		}
		if s.attempts >= s.config.maxRestarts() {
			s.exhausted = true
			s.state = Crashed
			s.mux.Unlock()
			s.writer.Reset()
			s.logger.Error("upstream restart attempts exhausted", "maxRestarts", s.config.maxRestarts())
			s.listener.OnCrash(schema.ErrRestartExhausted)
			return
		}
		s.attempts++
		s.restarts++
		attempt := s.attempts
		s.mux.Unlock()

		s.metrics.Restart()
		delay := s.config.backoff(attempt)
		s.logger.Info("restarting upstream", "attempt", attempt, "delay", delay)
		select {
		case <-s.stopCtx.Done():
			return
		case <-time.After(delay):
		}
		err := s.launch(s.stopCtx)
		if err == nil {
			return
		}
		s.logger.Warn("upstream restart failed", "attempt", attempt, "err", err)
	}
}

func (s *Supervisor) terminate(ctx context.Context, c *child) {
	_ = c.stdin.Close()
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(s.config.StopGrace)
	defer timer.Stop()
	select {
	case <-c.exited:
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn("upstream did not exit in time, killing", "pid", c.cmd.Process.Pid)
	_ = c.cmd.Process.Kill()
	<-c.exited
}

func writeFrame(w interface{ Write([]byte) (int, error) }, msg *envelope.Envelope) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// New creates a supervisor for config; config must already carry its defaults (see Config.Init).
func New(config *Config, listener Listener, options ...Option) (*Supervisor, error) {
	if config == nil {
		return nil, errors.New("supervisor config was nil")
	}
	if listener == nil {
		return nil, errors.New("supervisor listener was nil")
	}
	command, args, err := config.CommandLine()
	if err != nil {
		return nil, err
	}
	ret := &Supervisor{
		config:     config,
		command:    command,
		args:       args,
		listener:   listener,
		logger:     slog.Default(),
		clientInfo: mcpschema.Implementation{Name: "mcp-bridge", Version: "0.1"},
		calls:      make(map[string]chan *envelope.Envelope),
	}
	for _, option := range options {
		option(ret)
	}
	ret.writer = framer.NewWriter(config.MaxQueuedFrames, config.MaxQueuedBytes)
	ret.stopCtx, ret.stopCancel = context.WithCancel(context.Background())
	return ret, nil
}
