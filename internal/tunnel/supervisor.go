// ABOUTME: Supervisor that starts, watches and restarts tunnel child processes
// ABOUTME: Retries with a constant backoff and never holds its lock across a spawn

package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is a tunnel instance lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
)

// Policy controls timing and retries shared by every provider.
type Policy struct {
	// GracePeriod is how long a process must stay up without printing a
	// URL before it is considered running.
	GracePeriod time.Duration
	// RestartDelay separates stop and start during Restart.
	RestartDelay time.Duration
	// StopGrace is how long a process gets after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// RetryBackoff is the constant wait between failed attempts.
	RetryBackoff time.Duration
	// MaxAttempts bounds spawn attempts per start.
	MaxAttempts int
	// AutoRestart restarts a running tunnel that exits unexpectedly.
	AutoRestart bool
}

// DefaultPolicy returns the policy used when configuration is silent.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:  5 * time.Second,
		RestartDelay: time.Second,
		StopGrace:    5 * time.Second,
		RetryBackoff: 2 * time.Second,
		MaxAttempts:  3,
		AutoRestart:  true,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.GracePeriod <= 0 {
		p.GracePeriod = d.GracePeriod
	}
	if p.RestartDelay < 0 {
		p.RestartDelay = d.RestartDelay
	}
	if p.StopGrace <= 0 {
		p.StopGrace = d.StopGrace
	}
	if p.RetryBackoff < 0 {
		p.RetryBackoff = d.RetryBackoff
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Status is a snapshot of one tunnel instance.
type Status struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	State     State     `json:"state"`
	PublicURL string    `json:"publicUrl,omitempty"`
	LocalPort int       `json:"localPort"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Attempts  int       `json:"attempts"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
}

const outputTail = 20

// instance is one supervised tunnel. Fields under mu.
type instance struct {
	provider Provider
	port     int
	ctx      context.Context
	cancel   context.CancelFunc
	ready    chan struct{} // closed when the current start attempt settles

	mu       sync.Mutex
	status   Status
	exited   chan struct{} // closed when the running child exits
	output   []string
	stopping bool
	startErr error
}

func (in *instance) snapshot() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

func (in *instance) appendOutput(line string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.output = append(in.output, line)
	if len(in.output) > outputTail {
		in.output = in.output[len(in.output)-outputTail:]
	}
}

func (in *instance) tail(n int) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.output) < n {
		n = len(in.output)
	}
	return slices.Clone(in.output[len(in.output)-n:])
}

// Supervisor owns tunnel instances, one per provider.
type Supervisor struct {
	providers map[string]Provider
	policy    Policy
	logger    *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu        sync.Mutex
	instances map[string]*instance
	wg        sync.WaitGroup
}

// NewSupervisor creates a Supervisor for the given providers.
func NewSupervisor(policy Policy, logger *slog.Logger, providers ...Provider) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		providers:  make(map[string]Provider, len(providers)),
		policy:     policy.withDefaults(),
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		instances:  make(map[string]*instance),
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Providers returns the registered provider names.
func (s *Supervisor) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Start brings up provider on localPort. A running or starting instance is
// returned as is; callers that race a start in progress wait for it.
func (s *Supervisor) Start(ctx context.Context, provider string, localPort int) (Status, error) {
	p, ok := s.providers[provider]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err := p.Validate(); err != nil {
		return Status{}, &ProcessError{Provider: provider, Err: err}
	}

	s.mu.Lock()
	if in, ok := s.instances[provider]; ok {
		st := in.snapshot()
		switch st.State {
		case StateRunning:
			s.mu.Unlock()
			return st, nil
		case StateStarting:
			s.mu.Unlock()
			return s.await(ctx, in)
		}
		// Crashed: replace it.
		in.cancel()
	}

	in := s.newInstance(p, localPort)
	s.instances[provider] = in
	s.mu.Unlock()

	err := s.launch(ctx, in, false)
	close(in.ready)
	if err != nil {
		return in.snapshot(), err
	}
	return in.snapshot(), nil
}

func (s *Supervisor) newInstance(p Provider, port int) *instance {
	ctx, cancel := context.WithCancel(s.baseCtx)
	return &instance{
		provider: p,
		port:     port,
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		status: Status{
			ID:        uuid.New().String(),
			Provider:  p.Name(),
			State:     StateStarting,
			LocalPort: port,
		},
	}
}

func (s *Supervisor) await(ctx context.Context, in *instance) (Status, error) {
	select {
	case <-in.ready:
	case <-ctx.Done():
		return in.snapshot(), ctx.Err()
	}
	in.mu.Lock()
	err := in.startErr
	in.mu.Unlock()
	return in.snapshot(), err
}

// launch runs spawn attempts under the retry policy until one reaches
// Running. ctx bounds the wait only; the child lives on in.ctx.
func (s *Supervisor) launch(ctx context.Context, in *instance, restart bool) error {
	logger := s.logger.With("provider", in.provider.Name(), "instance_id", in.status.ID)

	startCtx, cancel := context.WithCancel(in.ctx)
	defer cancel()
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	attempts := 0
	op := func() error {
		attempts++
		in.mu.Lock()
		in.status.State = StateStarting
		in.status.Attempts = attempts
		in.mu.Unlock()

		err := s.spawn(startCtx, in, logger)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if startCtx.Err() != nil {
			return backoff.Permanent(ErrStopped)
		}
		if isLaunchFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("tunnel attempt failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.policy.RetryBackoff), uint64(s.policy.MaxAttempts-1)),
		startCtx,
	)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		in.mu.Lock()
		in.startErr = nil
		in.mu.Unlock()
		st := in.snapshot()
		logger.Info("tunnel running", "url", st.PublicURL, "pid", st.PID, "attempts", attempts, "restart", restart)
		return nil
	}

	if errors.Is(err, context.Canceled) {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = ErrStopped
		}
	}
	perr := &ProcessError{
		Provider: in.provider.Name(),
		Attempts: attempts,
		Output:   in.tail(5),
		Err:      err,
	}
	in.mu.Lock()
	in.status.State = StateCrashed
	in.status.PID = 0
	in.status.LastError = perr.Error()
	in.startErr = perr
	in.mu.Unlock()

	logger.Error("tunnel failed to start", "attempts", attempts, "error", err)
	return perr
}

// spawn starts one child process and waits until it is running or dead.
func (s *Supervisor) spawn(ctx context.Context, in *instance, logger *slog.Logger) error {
	knownURL, err := in.provider.ResolveURL(ctx)
	if err != nil {
		logger.Warn("could not resolve tunnel URL", "error", err)
	}

	bin, args := in.provider.Command(in.port)
	// The child's lifetime is in.ctx, not the attempt's.
	procCtx, kill := context.WithCancel(in.ctx)
	cmd := exec.CommandContext(procCtx, bin, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.policy.StopGrace

	pr, pw, err := os.Pipe()
	if err != nil {
		kill()
		return fmt.Errorf("creating output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		kill()
		pr.Close()
		pw.Close()
		return fmt.Errorf("starting %s: %w", bin, err)
	}
	pw.Close()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		kill()
		close(exited)
	}()

	urls := make(chan string, 1)
	go func() {
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			in.appendOutput(line)
			logger.Debug("tunnel output", "line", line)
			if u, ok := in.provider.MatchURL(line); ok {
				in.mu.Lock()
				in.status.PublicURL = u
				in.mu.Unlock()
				select {
				case urls <- u:
				default:
				}
			}
		}
	}()

	in.mu.Lock()
	in.status.PID = cmd.Process.Pid
	if knownURL != "" {
		in.status.PublicURL = knownURL
	}
	in.mu.Unlock()

	grace := time.NewTimer(s.policy.GracePeriod)
	defer grace.Stop()

	select {
	case <-urls:
	case <-grace.C:
		logger.Debug("tunnel grace period elapsed without URL")
	case <-exited:
		return fmt.Errorf("%w before becoming ready: %v", ErrExited, waitErr)
	case <-ctx.Done():
		kill()
		<-exited
		return ctx.Err()
	}

	in.mu.Lock()
	in.status.State = StateRunning
	in.status.StartedAt = time.Now()
	in.status.LastError = ""
	in.exited = exited
	in.mu.Unlock()

	s.wg.Add(1)
	go s.watch(in, exited, func() error { return waitErr })
	return nil
}

// watch reacts to a running child exiting on its own.
func (s *Supervisor) watch(in *instance, exited <-chan struct{}, waitErr func() error) {
	defer s.wg.Done()
	<-exited

	in.mu.Lock()
	if in.stopping || in.ctx.Err() != nil {
		in.mu.Unlock()
		return
	}
	in.status.State = StateCrashed
	in.status.PID = 0
	in.status.LastError = fmt.Sprintf("exited unexpectedly: %v", waitErr())
	in.status.Restarts++
	in.mu.Unlock()

	logger := s.logger.With("provider", in.provider.Name(), "instance_id", in.status.ID)
	logger.Warn("tunnel exited unexpectedly", "error", waitErr(), "output", in.tail(3))

	if !s.policy.AutoRestart {
		return
	}
	s.mu.Lock()
	current := s.instances[in.provider.Name()] == in
	s.mu.Unlock()
	if !current {
		return
	}

	select {
	case <-time.After(s.policy.RetryBackoff):
	case <-in.ctx.Done():
		return
	}
	_ = s.launch(in.ctx, in, true)
}

// Stop terminates provider's process and forgets the instance. Stopping an
// unknown or idle provider is a no-op.
func (s *Supervisor) Stop(provider string) {
	s.mu.Lock()
	in, ok := s.instances[provider]
	delete(s.instances, provider)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.terminate(in)
}

func (s *Supervisor) terminate(in *instance) {
	in.mu.Lock()
	in.stopping = true
	exited := in.exited
	in.mu.Unlock()

	in.cancel()
	if exited != nil {
		select {
		case <-exited:
		case <-time.After(s.policy.StopGrace + time.Second):
			s.logger.Warn("tunnel did not exit after kill", "provider", in.provider.Name())
		}
	}
	s.logger.Info("tunnel stopped", "provider", in.provider.Name(), "instance_id", in.status.ID)
}

// Restart stops provider and starts it again after the restart delay. The
// previous port is reused unless localPort is positive.
func (s *Supervisor) Restart(ctx context.Context, provider string, localPort int) (Status, error) {
	if localPort <= 0 {
		if st, ok := s.Status(provider); ok {
			localPort = st.LocalPort
		}
	}
	if localPort <= 0 {
		return Status{}, fmt.Errorf("%w: no port known for %s", ErrInvalidConfig, provider)
	}

	s.Stop(provider)

	select {
	case <-time.After(s.policy.RestartDelay):
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	return s.Start(ctx, provider, localPort)
}

// Status returns provider's current status.
func (s *Supervisor) Status(provider string) (Status, bool) {
	s.mu.Lock()
	in, ok := s.instances[provider]
	s.mu.Unlock()
	if !ok {
		return Status{Provider: provider, State: StateIdle}, false
	}
	return in.snapshot(), true
}

// List returns the status of every instance, ordered by provider.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	all := make([]*instance, 0, len(s.instances))
	for _, in := range s.instances {
		all = append(all, in)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(all))
	for _, in := range all {
		out = append(out, in.snapshot())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Provider, b.Provider) })
	return out
}

// PublicURL returns the URL of the first running instance, if any.
func (s *Supervisor) PublicURL() string {
	for _, st := range s.List() {
		if st.State == StateRunning && st.PublicURL != "" {
			return st.PublicURL
		}
	}
	return ""
}

// Shutdown stops every instance concurrently and waits for watchers.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*instance, 0, len(s.instances))
	for name, in := range s.instances {
		all = append(all, in)
		delete(s.instances, name)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, in := range all {
		g.Go(func() error {
			s.terminate(in)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		s.baseCancel()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tunnel shutdown: %w", ctx.Err())
	}
}

// isLaunchFailure reports errors that retrying cannot fix: a binary that is
// missing from PATH, missing at an absolute path, or not executable.
func isLaunchFailure(err error) bool {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}
