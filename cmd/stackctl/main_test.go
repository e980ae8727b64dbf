package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/loykin/stackctl"
	"github.com/loykin/stackctl/internal/eventlog"
	"github.com/loykin/stackctl/internal/testproc"
)

func TestMain(m *testing.M) { testproc.Main(m) }

func requireRealProcesses(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper processes rely on argv visible in the process table")
	}
	if testing.Short() {
		t.Skip("spawns real processes")
	}
}

func helperService(name string, port, stage int) string {
	return fmt.Sprintf(`
[[services]]
name = %q
command = %q
args = ["helper", "listen", "${PORT}"]
env = ["STACKCTL_TEST_HELPER=1"]
healthPort = %d
stage = %d
startupGracePeriodMs = 300
`, name, os.Args[0], port, stage)
}

func missingService(name string, port int) string {
	return fmt.Sprintf(`
[[services]]
name = %q
command = "stackctl-no-such-binary"
healthPort = %d
`, name, port)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stack.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func execute(t *testing.T, stdin io.Reader, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	code := run(args, stdin, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestValidate(t *testing.T) {
	p := writeConfig(t, missingService("inference", 8080)+missingService("embedding", 8001))

	code, out, _ := execute(t, nil, "validate", "--config", p)
	require.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "inference")
	assert.Contains(t, out, "embedding")

	code, out, _ = execute(t, nil, "validate", "-c", p, "-o", "yaml")
	require.Equal(t, exitSuccess, code)
	var descs []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &descs))
	assert.Len(t, descs, 2)
}

func TestConfigurationErrorExitsWithFailure(t *testing.T) {
	p := writeConfig(t, `
[[services]]
name = "a"
healthPort = 9001
`)
	for _, cmd := range []string{"validate", "start-all", "stop-all", "status"} {
		code, _, errOut := execute(t, nil, cmd, "--config", p)
		assert.Equal(t, exitFailure, code, cmd)
		assert.Contains(t, errOut, "command is required", cmd)
	}

	code, _, errOut := execute(t, nil, "validate", "--config", filepath.Join(t.TempDir(), "none.toml"))
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "error:")
}

func TestUnknownOutputFormat(t *testing.T) {
	code, _, errOut := execute(t, nil, "status", "--output", "xml")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, errOut, "unknown output format")
}

func TestStopAllNothingRunning(t *testing.T) {
	p := writeConfig(t, missingService("a", testproc.FreePort(t))+missingService("b", testproc.FreePort(t)))
	code, out, errOut := execute(t, nil, "stop-all", "--config", p)
	assert.Equal(t, exitSuccess, code, errOut)
	assert.True(t, strings.HasPrefix(out, "stop-all: success"), out)
	assert.Contains(t, errOut, "[INFO]")
}

func TestStartAllEveryLaunchFails(t *testing.T) {
	p := writeConfig(t, missingService("a", testproc.FreePort(t)))
	code, out, errOut := execute(t, nil, "start-all", "--config", p, "-o", "json")
	assert.Equal(t, exitFailure, code)
	var res stackctl.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, stackctl.StatusFailure, res.Status)
	require.Len(t, res.Outcomes, 1)
	assert.Contains(t, res.Outcomes[0].Detail, "ExecutableNotFound")
	assert.Contains(t, errOut, "[ERROR]")
}

func TestStartOneUnknownService(t *testing.T) {
	p := writeConfig(t, missingService("a", testproc.FreePort(t)))
	code, out, _ := execute(t, nil, "start", "ghost", "--config", p)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, "unknown service")

	code, _, _ = execute(t, nil, "start", "--config", p)
	assert.Equal(t, exitFailure, code, "a name is required")
}

func TestPartialFailureExitCode(t *testing.T) {
	requireRealProcesses(t)
	dir := t.TempDir()
	p := writeConfig(t, fmt.Sprintf("stateDir = %q\n", dir)+
		helperService("up", testproc.FreePort(t), 0)+
		missingService("broken", testproc.FreePort(t)))
	t.Cleanup(func() { execute(t, nil, "stop-all", "--config", p) })

	code, out, _ := execute(t, nil, "start-all", "--config", p)
	assert.Equal(t, exitPartialFailure, code)
	assert.Contains(t, out, "partial-failure")
	assert.Contains(t, out, "broken")

	code, out, _ = execute(t, nil, "status", "--config", p, "-o", "json")
	require.Equal(t, exitSuccess, code)
	var snap stackctl.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.True(t, snap.Listening("up"))
	assert.False(t, snap.Listening("broken"))

	code, out, _ = execute(t, nil, "stop", "up", "--config", p)
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, "Stopped")
}

func TestSessionStopsWhenStdinCloses(t *testing.T) {
	requireRealProcesses(t)
	port := testproc.FreePort(t)
	p := writeConfig(t, fmt.Sprintf("stateDir = %q\n", t.TempDir())+helperService("svc", port, 0))
	t.Cleanup(func() { execute(t, nil, "stop-all", "--config", p) })

	pr, pw := io.Pipe()
	type ran struct {
		code int
		out  string
	}
	done := make(chan ran, 1)
	go func() {
		code, out, _ := execute(t, pr, "session", "--config", p)
		done <- ran{code, out}
	}()

	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)
	// let start-all finish its grace period before the host goes away
	time.Sleep(500 * time.Millisecond)
	require.NoError(t, pw.Close())

	select {
	case r := <-done:
		assert.Equal(t, exitSuccess, r.code, r.out)
		assert.Contains(t, r.out, "start-all: success")
		assert.Contains(t, r.out, "stop-all: success")
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after stdin closed")
	}
}

func TestSessionWithTriggersDisabled(t *testing.T) {
	p := writeConfig(t, "autoStart = false\nautoStop = false\n"+missingService("a", 9001))
	code, out, _ := execute(t, nil, "session", "--config", p)
	assert.Equal(t, exitSuccess, code)
	assert.Empty(t, out)
}

func TestRemoteMode(t *testing.T) {
	p := writeConfig(t, missingService("a", testproc.FreePort(t)))
	s, err := stackctl.Open(p, stackctl.WithConsole(io.Discard))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ts := httptest.NewServer(s.Router("/api").Handler())
	defer ts.Close()
	api := ts.URL + "/api"

	code, out, errOut := execute(t, nil, "stop-all", "--api-url", api)
	assert.Equal(t, exitSuccess, code, errOut)
	assert.Contains(t, out, "stop-all: success")
	assert.Contains(t, errOut, "a: not running", "remote events are presented after the fact")

	code, out, _ = execute(t, nil, "validate", "--api-url", api, "-o", "json")
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, `"name": "a"`)

	code, out, _ = execute(t, nil, "start", "ghost", "--api-url", api)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, out, "unknown service")
}

func TestWorse(t *testing.T) {
	partial := &exitError{code: exitPartialFailure}
	failure := &exitError{code: exitFailure}
	assert.Nil(t, worse(nil, nil))
	assert.Equal(t, partial, worse(nil, partial))
	assert.Equal(t, failure, worse(partial, failure))
	assert.Equal(t, failure, worse(failure, partial))
	assert.True(t, errors.Is(worse(partial, nil), partial))
}

func TestPresenterLine(t *testing.T) {
	var buf bytes.Buffer
	p := newPresenter(&buf)
	p.Emit(stackctl.Event{Level: eventlog.LevelOK, Service: "inference", Message: "started", Fields: map[string]any{"pid": 42}})
	p.Emit(stackctl.Event{Level: eventlog.LevelError, Service: "embedding", Message: "launch failed", Fields: map[string]any{"error": "ExecutableNotFound"}})
	p.Emit(stackctl.Event{Level: eventlog.LevelInfo, Message: "starting 2 services in 1 stages"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[OK]    inference: started pid=42", lines[0])
	assert.Equal(t, "[ERROR] embedding: launch failed: ExecutableNotFound", lines[1])
	assert.Equal(t, "[INFO]  starting 2 services in 1 stages", lines[2])
}
