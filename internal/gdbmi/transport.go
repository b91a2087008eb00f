package gdbmi

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Config is the immutable startup configuration for one debugger subprocess.
// GDB's process-wide settings (interpreter mode, rc files) are fixed here at
// launch and never mutated afterwards.
type Config struct {
	// GDBPath is the gdb (or pwndbg wrapper) executable. Default "gdb".
	GDBPath string
	// Args are extra arguments appended after the fixed MI flags.
	Args []string
	// InspectTimeout bounds inspection commands (memory reads, disassembly,
	// breakpoint CRUD). Default 5s. Execution commands are bounded only by
	// the caller's explicit timeout or interrupt.
	InspectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GDBPath == "" {
		c.GDBPath = "gdb"
	}
	if c.InspectTimeout <= 0 {
		c.InspectTimeout = 5 * time.Second
	}
	return c
}

// transport owns the debugger subprocess and its pipes. It writes one command
// per send call and feeds all subprocess output, stdout and stderr both, into
// a single ordered record channel. Losing stderr content (sanitizer reports,
// crash banners) is a correctness bug, so it rides the same stream tagged
// OriginStderr.
type transport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	records chan Record

	writeMu sync.Mutex
	// interruptFunc delivers SIGINT to the debugger. Swappable so pipe-backed
	// test transports can observe interrupts.
	interruptFunc func() error

	closeOnce sync.Once
}

// startTransport launches the gdb subprocess in MI mode and begins reading.
func startTransport(cfg Config) (*transport, error) {
	args := append([]string{"--interpreter=mi3", "--quiet", "--nx"}, cfg.Args...)
	cmd := exec.Command(cfg.GDBPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.GDBPath, err)
	}

	tr := &transport{
		cmd:     cmd,
		stdin:   stdin,
		records: make(chan Record, 256),
		interruptFunc: func() error {
			return cmd.Process.Signal(syscall.SIGINT)
		},
	}
	tr.start(stdout, stderr)
	return tr, nil
}

// newPipeTransport wires a transport over raw pipe ends. Production code goes
// through startTransport; tests substitute scripted pipes here.
func newPipeTransport(stdin io.WriteCloser, stdout, stderr io.Reader) *transport {
	tr := &transport{
		stdin:         stdin,
		records:       make(chan Record, 256),
		interruptFunc: func() error { return nil },
	}
	tr.start(stdout, stderr)
	return tr
}

// start spawns the reader loops and the closer that reaps the subprocess and
// closes the record channel once both pipes hit EOF.
func (tr *transport) start(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go tr.readMI(stdout, &wg)
	go tr.readStderr(stderr, &wg)
	go func() {
		wg.Wait()
		if tr.cmd != nil {
			tr.cmd.Wait()
		}
		close(tr.records)
	}()
}

// readMI parses stdout lines into records. A malformed line is logged and
// skipped; it never terminates the loop, and any command it should have
// resolved will time out normally.
func (tr *transport) readMI(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		rec, err := parseLine(sc.Text())
		if err != nil {
			log.Printf("gdbmi: %v", err)
			continue
		}
		if rec != nil {
			tr.records <- rec
		}
	}
}

// readStderr merges stderr lines into the record stream, origin-tagged.
func (tr *transport) readStderr(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		tr.records <- &StreamRecord{Origin: OriginStderr, Text: sc.Text() + "\n"}
	}
}

// send writes exactly one newline-terminated command.
func (tr *transport) send(line string) error {
	tr.writeMu.Lock()
	defer tr.writeMu.Unlock()
	if _, err := io.WriteString(tr.stdin, line+"\n"); err != nil {
		return &Error{Kind: KindProcessTerminated, Detail: "writing command", Err: err}
	}
	return nil
}

// interrupt delivers SIGINT to the debugger out-of-band. It is the only
// operation that bypasses the command stream.
func (tr *transport) interrupt() error {
	return tr.interruptFunc()
}

// close tears the subprocess down. Reader loops drain on their own as the
// pipes close.
func (tr *transport) close() {
	tr.closeOnce.Do(func() {
		tr.stdin.Close()
		if tr.cmd != nil && tr.cmd.Process != nil {
			tr.cmd.Process.Kill()
		}
	})
}
