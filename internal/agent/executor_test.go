package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestComposeCommand(t *testing.T) {
	if got := composeCommand("pwd", ""); got != "pwd" {
		t.Fatalf("no-cwd compose = %q", got)
	}
	got := composeCommand("pwd", "/tmp/it's here")
	want := `cd '/tmp/it'\''s here' && { pwd; }`
	if got != want {
		t.Fatalf("compose = %q, want %q", got, want)
	}
}

func TestParseMarkers(t *testing.T) {
	runID := "abcdef123456"
	captured := strings.Join([]string{
		"$ echo __NANOBOT_START_" + runID + "__; ls; echo __NANOBOT_END_" + runID + "___$__ec",
		"__NANOBOT_START_" + runID + "__",
		"file-one",
		"file-two",
		"",
		"__NANOBOT_END_" + runID + "___0",
		"$ ",
	}, "\n")

	output, code, ok := parseMarkers(captured, runID)
	if !ok {
		t.Fatalf("markers not found")
	}
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if output != "file-one\nfile-two" {
		t.Fatalf("output = %q", output)
	}
}

func TestParseMarkersNonZeroExit(t *testing.T) {
	runID := "0123456789ab"
	captured := strings.Join([]string{
		"__NANOBOT_START_" + runID + "__",
		"boom",
		"",
		"__NANOBOT_END_" + runID + "___137",
	}, "\n")
	output, code, ok := parseMarkers(captured, runID)
	if !ok || code != 137 || output != "boom" {
		t.Fatalf("got ok=%v code=%d output=%q", ok, code, output)
	}
}

func TestParseMarkersIgnoresEchoedInput(t *testing.T) {
	// Only the typed command is on screen; its end marker still says
	// $__ec, so nothing should match yet.
	runID := "ffffffffffff"
	captured := "$ echo __NANOBOT_START_" + runID + "__\necho __NANOBOT_END_" + runID + "___$__ec"
	if _, _, ok := parseMarkers(captured, runID); ok {
		t.Fatalf("matched the echoed input line")
	}
}

func TestParseMarkersUsesLatestRun(t *testing.T) {
	runID := "aaaaaaaaaaaa"
	captured := strings.Join([]string{
		"__NANOBOT_START_" + runID + "__",
		"old-output",
		"",
		"__NANOBOT_END_" + runID + "___1",
		"__NANOBOT_START_" + runID + "__",
		"new-output",
		"",
		"__NANOBOT_END_" + runID + "___0",
	}, "\n")
	output, code, ok := parseMarkers(captured, runID)
	if !ok || code != 0 || output != "new-output" {
		t.Fatalf("got ok=%v code=%d output=%q", ok, code, output)
	}
}

func TestSubprocessExecutorExitCodes(t *testing.T) {
	e := NewSubprocessExecutor()
	for _, want := range []int{0, 1, 2, 137} {
		res, err := e.Exec(context.Background(), fmt.Sprintf("exit %d", want), "", 10*time.Second)
		if err != nil {
			t.Fatalf("exit %d: %v", want, err)
		}
		if res.ExitCode != want {
			t.Fatalf("exit code = %d, want %d", res.ExitCode, want)
		}
	}
}

func TestSubprocessExecutorOutput(t *testing.T) {
	e := NewSubprocessExecutor()
	res, err := e.Exec(context.Background(), "printf hello", "", 10*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Output != "hello" || res.ExitCode != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestSubprocessExecutorWorkingDir(t *testing.T) {
	dir := t.TempDir()
	e := NewSubprocessExecutor()
	res, err := e.Exec(context.Background(), "pwd", dir, 10*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(res.Output) != dir {
		t.Fatalf("pwd = %q, want %q", strings.TrimSpace(res.Output), dir)
	}
}

func TestSubprocessExecutorTimeout(t *testing.T) {
	e := NewSubprocessExecutor()
	_, err := e.Exec(context.Background(), "sleep 5", "", 200*time.Millisecond)
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("err = %v, want ErrExecTimeout", err)
	}
}

// fakePane fakes the tmux binary. send-keys records the wrapped
// command; capture-pane first replays echo-only frames, then
// synthesizes the shell's marker output from the recorded send. All
// calls happen on the executor's goroutine, so no locking is needed.
type fakePane struct {
	sent       []string
	exitCode   int
	cmdOutput  string
	quietPolls int
	neverReady bool

	captures int
}

func (r *fakePane) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	if name != "tmux" {
		return nil, fmt.Errorf("unexpected binary %s", name)
	}
	if len(args) < 3 {
		return nil, nil
	}
	switch args[2] {
	case "send-keys":
		r.sent = append(r.sent, args[len(args)-1])
		return nil, nil
	case "capture-pane":
		r.captures++
		if r.neverReady || len(r.sent) == 0 || r.captures <= r.quietPolls {
			return []byte("$ partial echo only"), nil
		}
		sent := r.sent[len(r.sent)-1]
		start := strings.Index(sent, markerStartPrefix)
		if start < 0 {
			return []byte(""), nil
		}
		runID := sent[start+len(markerStartPrefix) : start+len(markerStartPrefix)+12]
		pane := strings.Join([]string{
			markerStartPrefix + runID + "__",
			r.cmdOutput,
			"",
			fmt.Sprintf("%s%s___%d", markerEndPrefix, runID, r.exitCode),
		}, "\n")
		return []byte(pane), nil
	default:
		return nil, nil
	}
}

func TestTmuxExecutorParsesPane(t *testing.T) {
	runner := &fakePane{cmdOutput: "/tmp", quietPolls: 2}
	e := NewTmuxExecutor("/tmp/test.sock", runner)

	res, err := e.Exec(context.Background(), "pwd", "", 5*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.Output != "/tmp" || res.ExitCode != 0 {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(runner.sent[len(runner.sent)-1], "pwd") {
		t.Fatalf("command not sent: %v", runner.sent)
	}
}

func TestTmuxExecutorReportsExitCode(t *testing.T) {
	runner := &fakePane{cmdOutput: "boom", exitCode: 2}
	e := NewTmuxExecutor("/tmp/test.sock", runner)
	res, err := e.Exec(context.Background(), "false-ish", "", 5*time.Second)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.ExitCode != 2 || res.Output != "boom" {
		t.Fatalf("res = %+v", res)
	}
}

func TestTmuxExecutorAppliesWorkingDir(t *testing.T) {
	runner := &fakePane{cmdOutput: "ok"}
	e := NewTmuxExecutor("/tmp/test.sock", runner)
	if _, err := e.Exec(context.Background(), "make", "/srv/app", 5*time.Second); err != nil {
		t.Fatalf("exec: %v", err)
	}
	sent := runner.sent[len(runner.sent)-1]
	if !strings.Contains(sent, "cd '/srv/app' && { make; }") {
		t.Fatalf("working dir not composed: %q", sent)
	}
}

func TestTmuxExecutorTimeout(t *testing.T) {
	runner := &fakePane{neverReady: true}
	e := NewTmuxExecutor("/tmp/test.sock", runner)
	_, err := e.Exec(context.Background(), "sleep 999", "", 300*time.Millisecond)
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("err = %v, want ErrExecTimeout", err)
	}
}

func TestWrapWithMarkersShape(t *testing.T) {
	wrapped := wrapWithMarkers("abc123abc123", "make test")
	lines := strings.Split(strings.TrimRight(wrapped, "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d: %q", len(lines), wrapped)
	}
	if lines[0] != "echo __NANOBOT_START_abc123abc123__" {
		t.Fatalf("start line = %q", lines[0])
	}
	if lines[1] != "make test" {
		t.Fatalf("command line = %q", lines[1])
	}
	if lines[2] != "__ec=$?" {
		t.Fatalf("capture line = %q", lines[2])
	}
	if lines[4] != "echo __NANOBOT_END_abc123abc123___$__ec" {
		t.Fatalf("end line = %q", lines[4])
	}
}
