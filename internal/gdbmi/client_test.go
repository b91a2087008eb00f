package gdbmi

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGDB scripts the far side of the MI pipes so bridge tests run hermetic:
// no real gdb, no real debuggee.
type fakeGDB struct {
	t  *testing.T
	mu sync.Mutex

	out     *io.PipeWriter // fake gdb stdout
	errOut  *io.PipeWriter // fake gdb stderr
	handler func(cmd string) []string
	cmds    []string
}

// newFakeClient wires a Client over in-memory pipes served by a fakeGDB.
// handler maps a received command (token stripped) to MI response lines; %T
// is replaced with the command's token. nil responses default to "^done".
func newFakeClient(t *testing.T, cfg Config) (*Client, *fakeGDB) {
	t.Helper()

	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	f := &fakeGDB{t: t, out: outW, errOut: errW}
	go f.serve(cmdR)

	tr := newPipeTransport(cmdW, outR, errR)
	tr.interruptFunc = func() error {
		f.writeLine(`*stopped,reason="signal-received",signal-name="SIGINT",frame={addr="0x401136",func="main",file="t.c",line="3"},thread-id="1"`)
		return nil
	}
	c := newClient(cfg, tr)

	t.Cleanup(func() {
		cmdW.Close()
		outW.Close()
		errW.Close()
	})
	return c, f
}

func (f *fakeGDB) setHandler(h func(cmd string) []string) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeGDB) serve(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		i := 0
		for i < len(line) && line[i] >= '0' && line[i] <= '9' {
			i++
		}
		token, cmd := line[:i], line[i:]

		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		h := f.handler
		f.mu.Unlock()

		var resp []string
		if h != nil {
			resp = h(cmd)
		}
		if resp == nil {
			resp = []string{"%T^done"}
		}
		for _, l := range resp {
			f.writeLine(strings.ReplaceAll(l, "%T", token))
		}
	}
}

func (f *fakeGDB) writeLine(l string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	io.WriteString(f.out, l+"\n")
}

func (f *fakeGDB) writeStderr(l string) {
	io.WriteString(f.errOut, l+"\n")
}

func (f *fakeGDB) sawCommand(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cmds {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func waitStatus(t *testing.T, c *Client, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never became %s (still %s)", want, c.Status())
}

// writeTestSource drops a tiny C file so the source window has something to read.
func writeTestSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.c")
	src := "#include <stdio.h>\n\nint main(void) {\n  puts(\"hi\");\n  return 0;\n}\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writing test source: %v", err)
	}
	return path
}

func TestRunToBreakpointAndContext(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	src := writeTestSource(t)

	stopLine := `*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",frame={addr="0x401136",func="main",args=[],file="t.c",fullname="` + src + `",line="3"},thread-id="1"`
	memContents := strings.Repeat("00", 128)
	f.setHandler(func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "-file-exec-and-symbols"):
			return []string{`~"Reading symbols from /bin/ls...\n"`, "%T^done"}
		case strings.HasPrefix(cmd, "-break-insert"):
			return []string{`%T^done,bkpt={number="1",type="breakpoint",enabled="y",addr="0x401136",func="main",file="t.c",fullname="` + src + `",line="3",times="0",original-location="main"}`}
		case cmd == "-exec-run":
			return []string{"%T^running", `*running,thread-id="all"`}
		case cmd == "-data-list-register-names":
			return []string{`%T^done,register-names=["rax","rsp","rip"]`}
		case cmd == "-data-list-register-values x":
			return []string{`%T^done,register-values=[{number="0",value="0x0"},{number="1",value="0x7ffc000"},{number="2",value="0x401136"}]`}
		case cmd == "-data-evaluate-expression $sp":
			return []string{`%T^done,value="0x7ffc000"`}
		case strings.HasPrefix(cmd, "-data-read-memory-bytes"):
			return []string{`%T^done,memory=[{begin="0x7ffc000",offset="0",end="0x7ffc080",contents="` + memContents + `"}]`}
		case strings.HasPrefix(cmd, "-data-disassemble"):
			return []string{`%T^done,asm_insns=[{address="0x401136",func-name="main",offset="0",inst="push %rbp"},{address="0x401137",func-name="main",offset="1",inst="mov %rsp,%rbp"}]`}
		case cmd == "-stack-info-frame":
			return []string{`%T^done,frame={level="0",addr="0x401136",func="main",file="t.c",fullname="` + src + `",line="3"}`}
		case cmd == "-stack-list-frames":
			return []string{`%T^done,stack=[frame={level="0",addr="0x401136",func="main",file="t.c",fullname="` + src + `",line="3"},frame={level="1",addr="0x7f8a00",func="__libc_start_main"}]`}
		default:
			return nil
		}
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if c.Status() != StatusLoaded {
		t.Fatalf("expected Loaded after set_file, got %s", c.Status())
	}

	bp, err := c.SetBreakpoint("main", "")
	if err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	if bp.ID != 1 {
		t.Errorf("expected breakpoint id 1, got %d", bp.ID)
	}
	if c.Status() != StatusLoaded {
		t.Errorf("status should stay Loaded after breakpoint, got %s", c.Status())
	}

	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if c.Status() != StatusRunning {
		t.Fatalf("expected Running after accepted run, got %s", c.Status())
	}
	// The stop arrives as an async record, never as part of the run result.
	f.writeLine(stopLine)
	waitStatus(t, c, StatusStopped)

	info := c.SessionInfo()
	if len(info.Breakpoints) != 1 || info.Breakpoints[0].HitCount != 1 {
		t.Errorf("expected one hit recorded, got %+v", info.Breakpoints)
	}

	snap, err := c.GetContext("all")
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if len(snap.Errors) != 0 {
		t.Errorf("expected no section errors, got %v", snap.Errors)
	}
	if len(snap.Registers) == 0 || snap.Registers["rip"] != "0x401136" {
		t.Errorf("unexpected registers %v", snap.Registers)
	}
	if len(snap.Backtrace) == 0 || snap.Backtrace[0].Function != "main" {
		t.Errorf("expected main on top of backtrace, got %+v", snap.Backtrace)
	}
	if len(snap.Stack) != 16 {
		t.Errorf("expected 16 stack words, got %d", len(snap.Stack))
	}
	if len(snap.Disassembly) != 2 {
		t.Errorf("expected 2 instructions, got %d", len(snap.Disassembly))
	}
	foundCurrent := false
	for _, l := range snap.SourceLines {
		if strings.HasPrefix(l, "=>") {
			foundCurrent = true
		}
	}
	if !foundCurrent {
		t.Errorf("source window missing current-line marker: %v", snap.SourceLines)
	}
}

func TestRunRequiresBinary(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	if err := c.Run(false, nil); !IsKind(err, KindNoBinaryLoaded) {
		t.Fatalf("expected NoBinaryLoaded, got %v", err)
	}
	// Validation failures must not reach the transport.
	if f.sawCommand("-exec-run") {
		t.Errorf("run command was sent despite failed validation")
	}
}

func TestInspectionRejectedWhileRunning(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := c.GetMemory("0x1000", 64, "hex"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for get_memory while running, got %v", err)
	}
	if _, err := c.Disassemble("0x1000", 4); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for disassemble while running, got %v", err)
	}
	if _, err := c.GetContext("all"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for get_context while running, got %v", err)
	}
	if err := c.StepControl("next"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for step while running, got %v", err)
	}
	if f.sawCommand("-data-read-memory-bytes") || f.sawCommand("-data-disassemble") {
		t.Errorf("inspection commands reached the transport while running")
	}
}

func TestInterruptStopsRunningDebuggee(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if _, err := c.Interrupt(); !IsKind(err, KindInvalidState) {
		t.Fatalf("interrupt should require a running debuggee, got %v", err)
	}

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ev, err := c.Interrupt()
	if err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if ev.Signal != "SIGINT" {
		t.Errorf("expected SIGINT stop, got %+v", ev)
	}
	waitStatus(t, c, StatusStopped)
}

func TestDisconnectIdempotent(t *testing.T) {
	c, _ := newFakeClient(t, Config{})
	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("first disconnect with no remote should succeed: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("second disconnect with no remote should succeed: %v", err)
	}
}

func TestTargetRemoteFlow(t *testing.T) {
	c, f := newFakeClient(t, Config{})

	if err := c.TargetRemote("localhost:1234"); !IsKind(err, KindNoBinaryLoaded) {
		t.Fatalf("target_remote without symbols should fail, got %v", err)
	}

	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-target-select") {
			return []string{
				"%T^connected",
				`*stopped,frame={addr="0x7f000000",func="_start"},thread-id="1"`,
			}
		}
		return nil
	})
	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.TargetRemote("localhost:1234"); err != nil {
		t.Fatalf("TargetRemote failed: %v", err)
	}
	waitStatus(t, c, StatusStopped)

	// Remote sessions are mutually exclusive with the local run workflow.
	if err := c.Run(false, nil); !IsKind(err, KindInvalidState) {
		t.Errorf("run on a remote session should fail, got %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if c.SessionInfo().RemoteTarget != "" {
		t.Errorf("remote target should be cleared after disconnect")
	}
	if c.Status() != StatusLoaded {
		t.Errorf("expected Loaded after disconnect, got %s", c.Status())
	}
}

func TestInspectionTimeoutRetiresToken(t *testing.T) {
	c, f := newFakeClient(t, Config{InspectTimeout: 50 * time.Millisecond})
	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-data-read-memory-bytes") {
			return []string{} // never answer
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	c.sess.setStatus(StatusStopped)

	for i := 0; i < 3; i++ {
		if _, err := c.GetMemory("0x1000", 16, "hex"); !IsKind(err, KindCommandTimeout) {
			t.Fatalf("expected CommandTimeout, got %v", err)
		}
	}
	if n := c.corr.pendingCount(); n != 0 {
		t.Errorf("expected 0 pending after repeated timeouts, got %d", n)
	}
}

func TestMalformedLineDoesNotKillReadLoop(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "info all" {
			return []string{"!garbage", "%T^done"}
		}
		return nil
	})

	res, err := c.Execute("info all")
	if err != nil {
		t.Fatalf("Execute after malformed line failed: %v", err)
	}
	if res.Class != "done" {
		t.Errorf("unexpected class %q", res.Class)
	}
}

func TestStderrMergedIntoCommandOutput(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "run-crashy" {
			f.writeStderr("==1234==ERROR: AddressSanitizer: heap-buffer-overflow")
			time.Sleep(50 * time.Millisecond) // let stderr land before the result
			return []string{"%T^done"}
		}
		return nil
	})

	res, err := c.Execute("run-crashy")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(res.Output, "heap-buffer-overflow") {
		t.Errorf("stderr content missing from output: %q", res.Output)
	}
}

func TestUnderlyingDebuggerErrorPassedThrough(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-break-insert") {
			return []string{`%T^error,msg="Function \"bogus\" not defined."`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	_, err := c.SetBreakpoint("bogus", "")
	if !IsKind(err, KindDebuggerError) {
		t.Fatalf("expected UnderlyingDebuggerError, got %v", err)
	}
	if !strings.Contains(err.Error(), "not defined") {
		t.Errorf("debugger message not passed through: %v", err)
	}
}

func TestBreakpointCacheReconciliation(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-break-list" {
			return []string{`%T^done,BreakpointTable={nr_rows="1",body=[bkpt={number="2",enabled="y",times="0",original-location="main"}]}`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}

	// Id 2 is not in the cache, but GDB knows it: reconciliation must save
	// the delete instead of failing on stale cache state.
	if err := c.DeleteBreakpoint(2); err != nil {
		t.Fatalf("delete after reconciliation failed: %v", err)
	}
	if !f.sawCommand("-break-delete 2") {
		t.Errorf("delete command never reached the transport")
	}

	if err := c.DeleteBreakpoint(99); !IsKind(err, KindBreakpointNotFound) {
		t.Errorf("expected BreakpointNotFound for unknown id, got %v", err)
	}
}

func TestListBreakpointsMatchesSetBreakpoint(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "-break-insert"):
			return []string{`%T^done,bkpt={number="5",enabled="y",times="0",original-location="main"}`}
		case cmd == "-break-list":
			return []string{`%T^done,BreakpointTable={nr_rows="1",body=[bkpt={number="5",enabled="y",times="0",original-location="main"}]}`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	bp, err := c.SetBreakpoint("main", "")
	if err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	bps, err := c.ListBreakpoints()
	if err != nil {
		t.Fatalf("ListBreakpoints failed: %v", err)
	}
	if len(bps) != 1 || bps[0].ID != bp.ID || bps[0].Location != bp.Location {
		t.Errorf("list does not reflect the set breakpoint: set %+v, list %+v", bp, bps)
	}
}

func TestProcessTerminatedIsTerminal(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "die" {
			f.out.Close()
			f.errOut.Close()
			return []string{}
		}
		return nil
	})

	if _, err := c.Execute("die"); !IsKind(err, KindProcessTerminated) {
		t.Fatalf("expected ProcessTerminated, got %v", err)
	}
	// Terminal: every further command fails immediately.
	if _, err := c.Execute("info registers"); !IsKind(err, KindProcessTerminated) {
		t.Errorf("expected ProcessTerminated for follow-up command, got %v", err)
	}
}

func TestStepControlAliases(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-exec-") {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	c.sess.setStatus(StatusStopped)

	for _, mode := range []string{"n", "si", "continue"} {
		if err := c.StepControl(mode); err != nil {
			t.Fatalf("StepControl(%q) failed: %v", mode, err)
		}
		if c.Status() != StatusRunning {
			t.Fatalf("expected Running after %q accepted, got %s", mode, c.Status())
		}
		f.writeLine(`*stopped,reason="end-stepping-range",frame={addr="0x401140",func="main",line="4"},thread-id="1"`)
		waitStatus(t, c, StatusStopped)
	}
	if err := c.StepControl("teleport"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for bad mode, got %v", err)
	}
	if !f.sawCommand("-exec-step-instruction") || !f.sawCommand("-exec-next") {
		t.Errorf("short aliases did not map to their MI commands")
	}
}

func TestExitedDebuggeeReported(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	f.writeLine(`*stopped,reason="exited-normally"`)
	f.writeLine(`=thread-group-exited,id="i1",exit-code="0"`)
	waitStatus(t, c, StatusExited)

	if _, err := c.GetContext("all"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState after exit, got %v", err)
	}
}

func TestStderrWhileRunningSurfacedOnStop(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The debuggee owns control: no command is in flight when the sanitizer
	// report lands on stderr.
	f.writeStderr("==1234==ERROR: AddressSanitizer: heap-buffer-overflow")
	time.Sleep(100 * time.Millisecond) // let the stderr line land before the stop
	f.writeLine(`*stopped,reason="signal-received",signal-name="SIGSEGV",frame={addr="0x401136",func="main",file="t.c",line="3"},thread-id="1"`)

	ev, err := c.AwaitStop(2 * time.Second)
	if err != nil {
		t.Fatalf("AwaitStop failed: %v", err)
	}
	if ev.Signal != "SIGSEGV" {
		t.Errorf("unexpected stop event %+v", ev)
	}
	if !strings.Contains(ev.Output, "heap-buffer-overflow") {
		t.Errorf("stop event lost the debuggee's stderr output: %+v", ev)
	}

	// The same output must be reachable from the session snapshot, and a
	// second AwaitStop on an already-stopped debuggee returns immediately.
	waitStatus(t, c, StatusStopped)
	info := c.SessionInfo()
	if info.LastStop == nil || !strings.Contains(info.LastStop.Output, "heap-buffer-overflow") {
		t.Errorf("session info missing the stop output: %+v", info.LastStop)
	}
	ev2, err := c.AwaitStop(time.Second)
	if err != nil {
		t.Fatalf("AwaitStop on stopped debuggee failed: %v", err)
	}
	if ev2.Signal != "SIGSEGV" || !strings.Contains(ev2.Output, "heap-buffer-overflow") {
		t.Errorf("unexpected cached stop event %+v", ev2)
	}
}

func TestAwaitStopTimesOut(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := c.AwaitStop(50 * time.Millisecond); !IsKind(err, KindCommandTimeout) {
		t.Errorf("expected CommandTimeout while debuggee keeps running, got %v", err)
	}

	// Stopped status with no recorded event (nothing observed yet) must wait
	// rather than fabricate an event.
	c.sess.setStatus(StatusStopped)
	if _, err := c.AwaitStop(50 * time.Millisecond); !IsKind(err, KindCommandTimeout) {
		t.Errorf("expected CommandTimeout with no stop event recorded, got %v", err)
	}
}

func TestRunPassesInlineArguments(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if cmd == "-exec-run" {
			return []string{"%T^running"}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if err := c.Run(false, []string{"--input", "/tmp/poc"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !f.sawCommand("-exec-arguments --input /tmp/poc") {
		t.Errorf("inline arguments were not forwarded before the run")
	}
	if c.Status() != StatusRunning {
		t.Errorf("expected Running, got %s", c.Status())
	}
}

func TestVerbatimCommandInvalidatesBreakpointCache(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		switch {
		case strings.HasPrefix(cmd, "-break-insert"):
			return []string{`%T^done,bkpt={number="1",enabled="y",times="0",original-location="main"}`}
		case cmd == "-break-list":
			return []string{`%T^done,BreakpointTable={nr_rows="0",body=[]}`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if _, err := c.SetBreakpoint("main", ""); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}

	// The escape hatch can mutate the table behind the cache: the cached id
	// must not be trusted afterwards.
	if _, err := c.Execute("delete 1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !c.sess.breakpointsDirty() {
		t.Fatalf("verbatim command did not mark the breakpoint cache for reconciliation")
	}
	if err := c.DeleteBreakpoint(1); !IsKind(err, KindBreakpointNotFound) {
		t.Errorf("expected BreakpointNotFound after reconciliation, got %v", err)
	}
	if !f.sawCommand("-break-list") {
		t.Errorf("stale cache was trusted without reconciliation")
	}
}

func TestBreakpointNotifyInvalidatesCache(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-break-insert") {
			return []string{`%T^done,bkpt={number="1",enabled="y",times="0",original-location="main"}`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	if _, err := c.SetBreakpoint("main", ""); err != nil {
		t.Fatalf("SetBreakpoint failed: %v", err)
	}
	if c.sess.breakpointsDirty() {
		t.Fatalf("cache dirty before any drift")
	}

	f.writeLine(`=breakpoint-modified,bkpt={number="1",enabled="n",times="2"}`)

	deadline := time.Now().Add(2 * time.Second)
	for !c.sess.breakpointsDirty() {
		if time.Now().After(deadline) {
			t.Fatalf("breakpoint notify did not mark the cache for reconciliation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetMemoryFormats(t *testing.T) {
	c, f := newFakeClient(t, Config{})
	payload := fmt.Sprintf("%x", "hello\x00world")
	f.setHandler(func(cmd string) []string {
		if strings.HasPrefix(cmd, "-data-read-memory-bytes") {
			return []string{`%T^done,memory=[{begin="0x1000",offset="0",end="0x100c",contents="` + payload + `"}]`}
		}
		return nil
	})

	if err := c.SetFile("/bin/ls"); err != nil {
		t.Fatalf("SetFile failed: %v", err)
	}
	c.sess.setStatus(StatusStopped)

	mem, err := c.GetMemory("0x1000", 12, "string")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if mem.Formatted != "hello" {
		t.Errorf("string format should stop at NUL, got %q", mem.Formatted)
	}

	mem, err = c.GetMemory("0x1000", 12, "hex")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if !strings.Contains(mem.Formatted, "68 65 6c 6c 6f") {
		t.Errorf("hex dump missing bytes: %q", mem.Formatted)
	}

	if _, err := c.GetMemory("0x1000", 12, "base64"); !IsKind(err, KindInvalidState) {
		t.Errorf("expected InvalidState for unknown format, got %v", err)
	}
}
