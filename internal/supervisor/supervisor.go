package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hushtype/hush-core/internal/config"
	"github.com/hushtype/hush-core/internal/events"
	"github.com/hushtype/hush-core/internal/protocol"
	"github.com/hushtype/hush-core/internal/rpc"
	"github.com/hushtype/hush-core/internal/transport"
)

// ErrWorkerUnavailable is returned for calls while no healthy worker is
// attached (starting up, restarting, or circuit open).
var ErrWorkerUnavailable = errors.New("worker unavailable")

// Status is a snapshot of the worker lifecycle record.
type Status struct {
	Running             bool                    `json:"running"`
	Generation          int                     `json:"generation"`
	Breaker             BreakerState            `json:"breaker"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	Info                protocol.DescribeResult `json:"info"`
	LastError           string                  `json:"last_error,omitempty"`
}

// Supervisor owns the worker process lifecycle: spawn, diagnostic capture,
// handshake, restart with backoff, and circuit breaking. All other
// subsystems reach the worker only through Call.
type Supervisor struct {
	cfg    config.WorkerConfig
	log    *slog.Logger
	events *events.Bus

	notify func(protocol.Notification)
	onUp   func()
	onDown func()

	mu         sync.Mutex
	client     *rpc.Client
	cmd        *exec.Cmd
	info       protocol.DescribeResult
	generation int
	lastErr    error

	breaker *Breaker
	logs    *LogRing
	bo      *backoff.ExponentialBackOff

	restartCh chan string
	userCh    chan struct{}

	restarts metric.Int64Counter
}

func New(cfg config.WorkerConfig, bus *events.Bus, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		log:       log.With(slog.String("component", "supervisor")),
		events:    bus,
		notify:    func(protocol.Notification) {},
		onUp:      func() {},
		onDown:    func() {},
		breaker:   NewBreaker(cfg.RestartAttempts),
		logs:      NewLogRing(cfg.LogRingLines),
		bo:        newRestartBackoff(cfg),
		restartCh: make(chan string, 1),
		userCh:    make(chan struct{}, 1),
	}

	meter := otel.Meter("github.com/hushtype/hush-core/supervisor")
	if counter, err := meter.Int64Counter("hush_worker_restarts_total"); err == nil {
		s.restarts = counter
	}
	return s
}

func newRestartBackoff(cfg config.WorkerConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.RestartInitial) * time.Millisecond
	bo.MaxInterval = time.Duration(cfg.RestartMax) * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// OnNotification registers the sink for worker pushes. Must be set before
// Run; the sink is re-attached to every new worker generation.
func (s *Supervisor) OnNotification(h func(protocol.Notification)) {
	s.notify = h
}

// OnWorkerUp registers a callback fired after each successful handshake.
func (s *Supervisor) OnWorkerUp(h func()) {
	s.onUp = h
}

// OnWorkerDown registers a callback fired whenever the worker becomes
// unusable (exit, hang restart, or open circuit).
func (s *Supervisor) OnWorkerDown(h func()) {
	s.onDown = h
}

// Call issues a request against the current worker generation.
func (s *Supervisor) Call(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrWorkerUnavailable
	}
	return client.Call(ctx, method, params, result)
}

// ForceRestart asks the supervising loop to recycle the current worker,
// e.g. after a framing fault or a watchdog hang verdict.
func (s *Supervisor) ForceRestart(reason string) {
	select {
	case s.restartCh <- reason:
	default:
	}
}

// RestartNow is the explicit user action. It closes an open circuit and
// restarts immediately.
func (s *Supervisor) RestartNow() {
	s.breaker.Reset()
	s.bo.Reset()
	select {
	case s.userCh <- struct{}{}:
	default:
	}
	s.ForceRestart("user requested restart")
}

// Status returns a snapshot of the lifecycle record.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:             s.client != nil,
		Generation:          s.generation,
		Breaker:             s.breaker.State(),
		ConsecutiveFailures: s.breaker.Failures(),
		Info:                s.info,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// LogTail returns recent worker diagnostic lines.
func (s *Supervisor) LogTail(n int) []string {
	return s.logs.Tail(n)
}

// Run drives the spawn/handshake/wait/restart loop until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.breaker.Allow() {
			s.log.Warn("restart circuit open, waiting for user action",
				slog.Int("consecutive_failures", s.breaker.Failures()))
			s.publishHealth(false, "worker restart limit reached",
				"automatic restarts suspended; restart manually", true)
			select {
			case <-ctx.Done():
				return
			case <-s.userCh:
			}
			continue
		}

		if err := s.runGeneration(ctx); err != nil {
			s.setLastErr(err)
			opened := s.breaker.RecordFailure()
			if s.restarts != nil {
				s.restarts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("circuit_opened", opened)))
			}
			remediation := "restarting automatically"
			if opened {
				remediation = "automatic restarts suspended; restart manually"
			}
			s.log.Error("worker generation ended",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", s.breaker.Failures()))
			s.publishHealth(false, err.Error(), remediation, opened)
			s.onDown()
			if opened {
				continue
			}

			wait := s.bo.NextBackOff()
			s.log.Info("backing off before restart", slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		return // ctx done during a healthy generation
	}
}

// runGeneration spawns one worker, runs it until it dies or is recycled,
// and reports why. A nil return means ctx ended while the worker was
// healthy.
func (s *Supervisor) runGeneration(ctx context.Context) error {
	client, cmd, stderrDone, info, err := s.spawn(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.client = client
	s.cmd = cmd
	s.info = info
	s.lastErr = nil
	s.mu.Unlock()

	// A stale force-restart request aimed at the previous generation must
	// not recycle this one.
	select {
	case <-s.restartCh:
	default:
	}

	healthyTimer := time.AfterFunc(time.Duration(s.cfg.HealthyReset)*time.Millisecond, func() {
		s.breaker.Reset()
		s.bo.Reset()
		s.log.Debug("worker healthy period sustained, restart budget reset")
	})
	defer healthyTimer.Stop()

	s.log.Info("worker ready",
		slog.Int("generation", generation),
		slog.String("version", info.Version),
		slog.String("engine", info.Engine))
	s.publishHealth(true, "", "", false)
	s.onUp()

	exited := make(chan error, 1)
	go func() {
		<-stderrDone
		exited <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		s.teardown(client, cmd, exited, true)
		return nil
	case err := <-exited:
		s.detach(client)
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return errors.New("worker exited unexpectedly")
	case reason := <-s.restartCh:
		s.teardown(client, cmd, exited, false)
		return fmt.Errorf("worker recycled: %s", reason)
	}
}

func (s *Supervisor) spawn(ctx context.Context) (*rpc.Client, *exec.Cmd, <-chan struct{}, protocol.DescribeResult, error) {
	var info protocol.DescribeResult

	parser := shellwords.NewParser()
	args, err := parser.Parse(s.cfg.Command)
	if err != nil {
		return nil, nil, nil, info, fmt.Errorf("parse worker command: %w", err)
	}
	if len(args) == 0 {
		return nil, nil, nil, info, errors.New("worker command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, info, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, info, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, info, fmt.Errorf("worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, info, fmt.Errorf("start worker: %w", err)
	}
	s.log.Info("worker spawned", slog.Int("pid", cmd.Process.Pid), slog.String("command", args[0]))

	// Wait must not run until the stderr pipe is fully drained, or the
	// final lines before a crash are lost.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s.captureDiagnostics(stderr)
	}()

	framer := transport.New(stdout, stdin, func() error {
		_ = stdin.Close()
		return nil
	})
	client := rpc.NewClient(framer, rpc.Config{
		ShortTimeout: time.Duration(s.cfg.ShortCallTimeout) * time.Millisecond,
		LongTimeout:  time.Duration(s.cfg.LongCallTimeout) * time.Millisecond,
	}, s.log)
	client.OnNotification(func(n protocol.Notification) { s.notify(n) })
	client.OnChannelDown(func(err error) {
		s.ForceRestart(fmt.Sprintf("channel down: %v", err))
	})
	client.Start()

	if err := s.handshake(ctx, client, &info); err != nil {
		client.Close()
		_ = cmd.Process.Kill()
		<-stderrDone
		_ = cmd.Wait()
		return nil, nil, nil, info, fmt.Errorf("worker handshake: %w", err)
	}
	return client, cmd, stderrDone, info, nil
}

// handshake establishes the worker as usable: a liveness probe followed by
// the version/capability query.
func (s *Supervisor) handshake(ctx context.Context, client *rpc.Client, info *protocol.DescribeResult) error {
	hsCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.StartupTimeout)*time.Millisecond)
	defer cancel()

	if err := client.Call(hsCtx, protocol.MethodPing, nil, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := client.Call(hsCtx, protocol.MethodDescribe, nil, info); err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	return nil
}

func (s *Supervisor) captureDiagnostics(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logs.Append(line)
		s.log.Debug("worker stderr", slog.String("line", line))
	}
}

// teardown detaches the rpc client and ends the process. A graceful stop
// sends the shutdown request first; recycles just kill.
func (s *Supervisor) teardown(client *rpc.Client, cmd *exec.Cmd, exited <-chan error, graceful bool) {
	if graceful {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := client.Call(shutdownCtx, protocol.MethodShutdown, nil, nil); err != nil {
			s.log.Debug("graceful shutdown request failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	s.detach(client)

	select {
	case <-exited:
		return
	case <-time.After(2 * time.Second):
	}
	_ = cmd.Process.Kill()
	<-exited
}

func (s *Supervisor) detach(client *rpc.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
		s.cmd = nil
	}
	s.mu.Unlock()
	client.Close()
}

func (s *Supervisor) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Supervisor) publishHealth(healthy bool, message, remediation string, restartAvailable bool) {
	event := events.Event{
		Type:             events.TypeWorkerHealth,
		WorkerHealthy:    healthy,
		Message:          message,
		Remediation:      remediation,
		RestartAvailable: restartAvailable,
	}
	if !healthy {
		event.LogTail = s.logs.Tail(20)
	}
	s.events.Publish(event)
}
