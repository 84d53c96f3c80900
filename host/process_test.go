package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testhost/protocol"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is the worker body for the exec
// launcher tests, re-executed from the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_MODE") {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT_CODE"))
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(code)
	case "sleep":
		time.Sleep(time.Minute)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
	case "dial":
		endpoint := argAfter(os.Args, EndpointFlag)
		conn, err := net.Dial("tcp", endpoint)
		if err != nil {
			os.Exit(5)
		}
		time.Sleep(100 * time.Millisecond)
		_ = conn.Close()
	case "env":
		fmt.Fprint(os.Stderr, os.Getenv("HELPER_VALUE"))
		os.Exit(1)
	}
}

func argAfter(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func helperLauncher(t *testing.T) *ExecLauncher {
	t.Helper()
	return NewExecLauncher(log.NewLogger(log.DiscardHandler()), WithCmdBuilder(func(name string, arg ...string) *exec.Cmd {
		args := append([]string{"-test.run=^TestHelperProcess$", "--"}, arg...)
		return exec.Command(name, args...)
	}))
}

func helperSpec(mode string, env map[string]string) LaunchSpec {
	merged := map[string]string{helperEnv: "1", "HELPER_MODE": mode}
	for k, v := range env {
		merged[k] = v
	}
	return LaunchSpec{
		Executable: os.Args[0],
		Env:        merged,
		Endpoint:   "127.0.0.1:1",
		ParentPID:  os.Getpid(),
	}
}

func waitExited(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Exited():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestLaunchSpec_CommandLine(t *testing.T) {
	spec := LaunchSpec{Args: []string{"run", "-v"}, Endpoint: "127.0.0.1:4000", ParentPID: 42}
	assert.Equal(t, []string{"run", "-v", EndpointFlag, "127.0.0.1:4000", ParentPIDFlag, "42"}, spec.CommandLine())
	assert.Equal(t, []string{"run", "-v"}, spec.Args, "args must not be modified")

	spec.ParentPID = 0
	assert.Equal(t, []string{"run", "-v", EndpointFlag, "127.0.0.1:4000"}, spec.CommandLine())
}

func TestExecLauncher_MissingExecutable(t *testing.T) {
	l := NewExecLauncher(log.NewLogger(log.DiscardHandler()))

	_, err := l.Launch(context.Background(), LaunchSpec{Executable: "op-testhost-definitely-missing"})
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))

	_, err = l.Launch(context.Background(), LaunchSpec{})
	assert.True(t, IsLaunchError(err))
}

func TestExecLauncher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := helperLauncher(t).Launch(ctx, helperSpec("sleep", nil))
	require.Error(t, err)
	assert.True(t, IsLaunchError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecLauncher_ReportsExit(t *testing.T) {
	p, err := helperLauncher(t).Launch(context.Background(), helperSpec("exit", map[string]string{"HELPER_EXIT_CODE": "3"}))
	require.NoError(t, err)
	waitExited(t, p)

	err = p.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHostExited)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "boom")
}

func TestExecLauncher_PassesEnvironment(t *testing.T) {
	p, err := helperLauncher(t).Launch(context.Background(), helperSpec("env", map[string]string{"HELPER_VALUE": "from-collector"}))
	require.NoError(t, err)
	waitExited(t, p)

	var exitErr *ExitError
	require.True(t, errors.As(p.Err(), &exitErr))
	assert.Contains(t, exitErr.Stderr, "from-collector")
}

func TestExecProcess_Stop(t *testing.T) {
	p, err := helperLauncher(t).Launch(context.Background(), helperSpec("sleep", nil))
	require.NoError(t, err)

	require.NoError(t, p.Stop(5*time.Second))
	waitExited(t, p)
	require.NoError(t, p.Stop(time.Second), "stop is idempotent")
	require.NoError(t, p.Kill(), "killing an ended process is not an error")
}

func TestExecProcess_StopKillsAfterGrace(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SIGTERM is not delivered on windows")
	}
	p, err := helperLauncher(t).Launch(context.Background(), helperSpec("stubborn", nil))
	require.NoError(t, err)

	// Give the helper time to install its signal handler.
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(100*time.Millisecond))
	waitExited(t, p)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestConnection_AcceptsLaunchedHost(t *testing.T) {
	logger := log.NewLogger(log.DiscardHandler())
	conn, err := Listen(logger, "")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, ConnectionListening, conn.State())

	spec := helperSpec("dial", nil)
	spec.Endpoint = conn.Endpoint()
	p, err := helperLauncher(t).Launch(context.Background(), spec)
	require.NoError(t, err)
	defer func() { _ = p.Kill() }()

	ch, err := conn.Accept(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ConnectionConnected, conn.State())
	assert.NotNil(t, conn.Channel())

	// The helper hangs up without sending anything.
	_, err = ch.Receive()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	waitExited(t, p)
	assert.NoError(t, p.Err())
}
