// ABOUTME: Tests for the tunnel supervisor using shell-script stand-ins for tunnel CLIs
// ABOUTME: Covers URL discovery, grace period, retries, crash restart and shutdown

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tunnel")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testPolicy() Policy {
	return Policy{
		GracePeriod:  2 * time.Second,
		RestartDelay: 10 * time.Millisecond,
		StopGrace:    time.Second,
		RetryBackoff: 10 * time.Millisecond,
		MaxAttempts:  3,
		AutoRestart:  true,
	}
}

func newTestSupervisor(t *testing.T, policy Policy, providers ...Provider) *Supervisor {
	t.Helper()
	s := NewSupervisor(policy, nil, providers...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(raw), "\n")
}

func TestSupervisor_ReverseURLFromOutput(t *testing.T) {
	bin := writeScript(t, `echo "connecting to relay"
echo "SUCCESS: tunnel established, url = https://abc.relay.example.com"
exec sleep 30`)
	s := newTestSupervisor(t, testPolicy(), NewReverse(ReverseConfig{Binary: bin, Server: "relay:7000", Token: "tok"}))

	st, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "https://abc.relay.example.com", st.PublicURL)
	assert.Equal(t, 8080, st.LocalPort)
	assert.Equal(t, 1, st.Attempts)
	require.NotZero(t, st.PID)
	assert.Equal(t, "https://abc.relay.example.com", s.PublicURL())

	again, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID, "start is idempotent while running")

	s.Stop(ReverseName)
	idle, ok := s.Status(ReverseName)
	assert.False(t, ok)
	assert.Equal(t, StateIdle, idle.State)
	assert.Eventually(t, func() bool { return !processAlive(st.PID) }, 3*time.Second, 20*time.Millisecond)

	s.Stop(ReverseName) // no-op
}

func TestSupervisor_RunningAfterGracePeriod(t *testing.T) {
	bin := writeScript(t, `exec sleep 30`)
	policy := testPolicy()
	policy.GracePeriod = 100 * time.Millisecond
	s := newTestSupervisor(t, policy, NewLocaltunnel(LocaltunnelConfig{Binary: bin}))

	start := time.Now()
	st, err := s.Start(context.Background(), LocaltunnelName, 9000)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.PublicURL)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSupervisor_URLAfterGraceStillRecorded(t *testing.T) {
	bin := writeScript(t, `sleep 0.3
echo "your url is: https://late.loca.lt"
exec sleep 30`)
	policy := testPolicy()
	policy.GracePeriod = 50 * time.Millisecond
	s := newTestSupervisor(t, policy, NewLocaltunnel(LocaltunnelConfig{Binary: bin}))

	_, err := s.Start(context.Background(), LocaltunnelName, 9000)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		st, _ := s.Status(LocaltunnelName)
		return st.PublicURL == "https://late.loca.lt"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSupervisor_RetriesThenCrashes(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	bin := writeScript(t, fmt.Sprintf(`echo run >> %q
echo "fatal: relay refused token"
exit 1`, counter))
	s := newTestSupervisor(t, testPolicy(), NewReverse(ReverseConfig{Binary: bin, Server: "relay", Token: "bad"}))

	st, err := s.Start(context.Background(), ReverseName, 8080)
	require.Error(t, err)

	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReverseName, perr.Provider)
	assert.Equal(t, 3, perr.Attempts)
	assert.ErrorIs(t, err, ErrExited)
	assert.Contains(t, strings.Join(perr.Output, "\n"), "relay refused token")
	assert.Equal(t, 3, countLines(t, counter))

	assert.Equal(t, StateCrashed, st.State)
	assert.NotEmpty(t, st.LastError)
}

func TestSupervisor_MissingBinaryIsNotRetried(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	s := newTestSupervisor(t, testPolicy(), NewLocaltunnel(LocaltunnelConfig{Binary: missing}))

	_, err := s.Start(context.Background(), LocaltunnelName, 8080)
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Attempts)
}

func TestSupervisor_NonExecutableBinaryIsNotRetried(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "not-executable")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho hi\n"), 0o644))
	s := newTestSupervisor(t, testPolicy(), NewLocaltunnel(LocaltunnelConfig{Binary: bin}))

	_, err := s.Start(context.Background(), LocaltunnelName, 8080)
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Attempts)
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func TestSupervisor_ConfigAndProviderErrors(t *testing.T) {
	s := newTestSupervisor(t, testPolicy(), NewReverse(ReverseConfig{Server: "relay"}))

	_, err := s.Start(context.Background(), ReverseName, 8080)
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = s.Start(context.Background(), "ngrok", 8080)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestSupervisor_LocaltunnelArguments(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeScript(t, fmt.Sprintf(`echo "$@" > %q
echo "your url is: https://myapp.loca.lt"
exec sleep 30`, argsFile))
	s := newTestSupervisor(t, testPolicy(), NewLocaltunnel(LocaltunnelConfig{
		Binary:    bin,
		Subdomain: "myapp",
		Host:      "https://tunnel.example.com",
	}))

	st, err := s.Start(context.Background(), LocaltunnelName, 8123)
	require.NoError(t, err)
	assert.Equal(t, "https://myapp.loca.lt", st.PublicURL)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--port 8123 --subdomain myapp --host https://tunnel.example.com", strings.TrimSpace(string(raw)))
}

func TestSupervisor_TailscaleResolvesDNSName(t *testing.T) {
	bin := writeScript(t, `if [ "$1" = "status" ]; then
  echo '{"BackendState":"Running","Self":{"DNSName":"gateway.tail1234.ts.net."}}'
  exit 0
fi
exec sleep 30`)
	policy := testPolicy()
	policy.GracePeriod = 50 * time.Millisecond
	s := newTestSupervisor(t, policy, NewTailscale(TailscaleConfig{Binary: bin}))

	st, err := s.Start(context.Background(), TailscaleName, 8080)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "https://gateway.tail1234.ts.net", st.PublicURL)
}

func TestSupervisor_AutoRestartAfterCrash(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	bin := writeScript(t, fmt.Sprintf(`echo run >> %q
echo "SUCCESS url = https://r.example.com"
if [ "$(wc -l < %q)" -le 1 ]; then
  sleep 0.2
  exit 3
fi
exec sleep 30`, counter, counter))
	s := newTestSupervisor(t, testPolicy(), NewReverse(ReverseConfig{Binary: bin, Server: "relay", Token: "tok"}))

	first, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, _ := s.Status(ReverseName)
		return st.State == StateRunning && st.Restarts == 1 && st.PID != first.PID
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, countLines(t, counter))
}

func TestSupervisor_NoAutoRestartLeavesCrashed(t *testing.T) {
	bin := writeScript(t, `echo "SUCCESS url = https://r.example.com"
sleep 0.2
exit 3`)
	policy := testPolicy()
	policy.AutoRestart = false
	s := newTestSupervisor(t, policy, NewReverse(ReverseConfig{Binary: bin, Server: "relay", Token: "tok"}))

	_, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, _ := s.Status(ReverseName)
		return st.State == StateCrashed
	}, 3*time.Second, 20*time.Millisecond)

	// A crashed instance can be started again.
	st, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
}

func TestSupervisor_ConcurrentStartsShareInstance(t *testing.T) {
	bin := writeScript(t, `sleep 0.2
echo "SUCCESS url = https://c.example.com"
exec sleep 30`)
	s := newTestSupervisor(t, testPolicy(), NewReverse(ReverseConfig{Binary: bin, Server: "relay", Token: "tok"}))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Start(context.Background(), ReverseName, 8080)
			assert.NoError(t, err)
			ids[i] = st.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSupervisor_StopWhileStarting(t *testing.T) {
	bin := writeScript(t, `exec sleep 30`)
	policy := testPolicy()
	policy.GracePeriod = 10 * time.Second
	s := newTestSupervisor(t, policy, NewLocaltunnel(LocaltunnelConfig{Binary: bin}))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Start(context.Background(), LocaltunnelName, 8080)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := s.Status(LocaltunnelName)
		return ok && st.PID != 0
	}, 3*time.Second, 10*time.Millisecond)
	s.Stop(LocaltunnelName)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after stop")
	}
}

func TestSupervisor_StartContextBoundsWait(t *testing.T) {
	bin := writeScript(t, `exec sleep 30`)
	policy := testPolicy()
	policy.GracePeriod = 10 * time.Second
	s := newTestSupervisor(t, policy, NewLocaltunnel(LocaltunnelConfig{Binary: bin}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Start(ctx, LocaltunnelName, 8080)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisor_RestartAndShutdown(t *testing.T) {
	bin := writeScript(t, `echo "SUCCESS url = https://x.example.com"
exec sleep 30`)
	s := newTestSupervisor(t, testPolicy(),
		NewReverse(ReverseConfig{Binary: bin, Server: "relay", Token: "tok"}),
		NewLocaltunnel(LocaltunnelConfig{Binary: writeScript(t, `echo "url: https://y.loca.lt"
exec sleep 30`)}),
	)
	assert.Equal(t, []string{LocaltunnelName, ReverseName}, s.Providers())

	first, err := s.Start(context.Background(), ReverseName, 8080)
	require.NoError(t, err)
	_, err = s.Start(context.Background(), LocaltunnelName, 8080)
	require.NoError(t, err)

	second, err := s.Restart(context.Background(), ReverseName, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 8080, second.LocalPort)
	assert.Equal(t, StateRunning, second.State)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, LocaltunnelName, list[0].Provider)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.List())
	assert.Eventually(t, func() bool { return !processAlive(second.PID) }, 3*time.Second, 20*time.Millisecond)

	_, err = s.Restart(context.Background(), ReverseName, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig, "no port is known once the instance is gone")
}

func TestProcessError_Message(t *testing.T) {
	err := &ProcessError{Provider: "reverse", Attempts: 2, Output: []string{"a", "b"}, Err: ErrExited}
	assert.Equal(t, "tunnel reverse failed after 2 attempt(s): tunnel process exited (last output: a | b)", err.Error())
	assert.True(t, errors.Is(err, ErrExited))

	var execErr *exec.Error
	assert.False(t, errors.As(err, &execErr))
}
