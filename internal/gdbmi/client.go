package gdbmi

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Client is the command façade over one GDB subprocess. Every operation
// validates its preconditions against session state before a single byte goes
// to the debugger, issues MI commands through the serialized transport, and
// mutates state only on confirmed success.
type Client struct {
	cfg  Config
	tr   *transport
	corr *correlator
	sess *session

	// cmdMu serializes command issuance: the MI pipe is one shared stream and
	// concurrent callers must queue, never interleave.
	cmdMu sync.Mutex

	stopMu   sync.Mutex
	lastStop *StopEvent
}

// New launches a GDB subprocess in MI mode and returns a live session bridge.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	tr, err := startTransport(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, tr), nil
}

// newClient wires the bridge over an already-started transport. Tests use
// this with pipe-backed transports.
func newClient(cfg Config, tr *transport) *Client {
	c := &Client{
		cfg:  cfg.withDefaults(),
		tr:   tr,
		corr: newCorrelator(),
		sess: newSession(),
	}
	go c.corr.run(tr.records)
	go c.watchExecState()
	return c
}

// watchExecState tracks debuggee state from async exec/notify records. These
// records are the only source of Stopped/Exited transitions; the absence of
// output never is.
func (c *Client) watchExecState() {
	sub := c.corr.subscribe(AsyncExec, AsyncNotify)
	for r := range sub.Records() {
		switch {
		case r.Kind == AsyncExec && r.Class == "stopped":
			ev := stopEventFromTuple(r.Payload)
			ev.Output = r.Output
			if strings.HasPrefix(ev.Reason, "exited") {
				c.sess.setStatus(StatusExited)
			} else {
				c.sess.setStatus(StatusStopped)
				if ev.BreakpointID > 0 {
					c.sess.breakpointHit(ev.BreakpointID)
				}
			}
			c.stopMu.Lock()
			c.lastStop = &ev
			c.stopMu.Unlock()
		case r.Kind == AsyncNotify && r.Class == "thread-group-exited":
			c.sess.setStatus(StatusExited)
		case r.Kind == AsyncNotify && strings.HasPrefix(r.Class, "breakpoint-"):
			// GDB changed its own table (created/modified/deleted); the cache
			// must reconcile before trusting a miss.
			c.sess.markBreakpointsDirty()
		}
	}
}

// issue sends one token-prefixed MI command and awaits its result record.
// timeout <= 0 waits until the result arrives or the process dies.
func (c *Client) issue(command string, timeout time.Duration) (*ResultRecord, string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	p, err := c.corr.expect()
	if err != nil {
		return nil, "", err
	}
	if err := c.tr.send(fmt.Sprintf("%d%s", p.token, command)); err != nil {
		c.corr.retire(p)
		return nil, "", err
	}
	r, output, err := c.corr.await(p, timeout)
	if err != nil {
		return nil, output, err
	}
	if r.Class == "error" {
		msg := r.Payload.Str("msg")
		if msg == "" {
			msg = "command failed"
		}
		return nil, output, &Error{Kind: KindDebuggerError, Detail: msg}
	}
	return r, output, nil
}

// run issues a command, records it in history, and returns the result.
func (c *Client) run(command string, timeout time.Duration) (*ResultRecord, string, error) {
	r, out, err := c.issue(command, timeout)
	c.sess.recordCommand(command, err == nil)
	return r, out, err
}

// ExecuteResult is the structured outcome of a verbatim command relay.
type ExecuteResult struct {
	Command string `json:"command"`
	Class   string `json:"class,omitempty"`
	Output  string `json:"output,omitempty"`
	Status  Status `json:"status"`
}

// Execute relays an arbitrary GDB/pwndbg command verbatim. Vendor-specific
// command extensions pass straight through; only the standard record grammar
// is parsed for correlation. "interrupt" is special-cased because it must go
// out-of-band rather than down the command stream.
func (c *Client) Execute(command string) (*ExecuteResult, error) {
	if strings.TrimSpace(command) == "interrupt" {
		ev, err := c.Interrupt()
		if err != nil {
			return nil, err
		}
		return &ExecuteResult{
			Command: command,
			Output:  fmt.Sprintf("stopped: %s", ev.Reason),
			Status:  c.sess.Status(),
		}, nil
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return nil, err
	}
	r, out, err := c.run(command, c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	// A verbatim command may have touched the breakpoint table behind the
	// cache's back ("break main", "delete 2").
	c.sess.markBreakpointsDirty()
	return &ExecuteResult{Command: command, Class: r.Class, Output: out, Status: c.sess.Status()}, nil
}

// SetFile loads a binary for debugging. Resets status to Loaded and clears
// the breakpoint reconciliation flag.
func (c *Client) SetFile(path string) error {
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if _, _, err := c.run("-file-exec-and-symbols "+path, c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setBinary(path)
	return nil
}

// SetPocFile sets the PoC file as the debuggee's argument ("set args" in CLI terms).
func (c *Client) SetPocFile(path string) error {
	if err := c.sess.requireLoaded(); err != nil {
		return err
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if _, _, err := c.run("-exec-arguments "+path, c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setPocArgs(path)
	return nil
}

// Run starts the debuggee, optionally replacing its arguments first. It
// returns once GDB accepts the command; it does not wait for a stop. Callers
// observe the stop through AwaitStop or session status.
func (c *Client) Run(start bool, args []string) error {
	if err := c.sess.requireLoaded(); err != nil {
		return err
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if c.sess.remoteTarget() != "" {
		return errorf(KindInvalidState, "session is attached to a remote target; use step_control continue")
	}
	if len(args) > 0 {
		if _, _, err := c.run("-exec-arguments "+strings.Join(args, " "), c.cfg.InspectTimeout); err != nil {
			return err
		}
	}
	cmd := "-exec-run"
	if start {
		cmd = "-exec-run --start"
	}
	if _, _, err := c.run(cmd, c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setStatus(StatusRunning)
	return nil
}

var stepCommands = map[string]string{
	"continue": "-exec-continue",
	"next":     "-exec-next",
	"step":     "-exec-step",
	"nexti":    "-exec-next-instruction",
	"stepi":    "-exec-step-instruction",
	// Short aliases accepted by the original surface.
	"c":  "-exec-continue",
	"n":  "-exec-next",
	"s":  "-exec-step",
	"ni": "-exec-next-instruction",
	"si": "-exec-step-instruction",
}

// StepControl issues one stepping command (continue/next/step/nexti/stepi).
// Non-blocking: returns on acceptance.
func (c *Client) StepControl(mode string) error {
	cmd, ok := stepCommands[mode]
	if !ok {
		return errorf(KindInvalidState, "unknown step mode %q (want continue|next|step|nexti|stepi)", mode)
	}
	if err := c.sess.requireStopped(); err != nil {
		return err
	}
	if _, _, err := c.run(cmd, c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setStatus(StatusRunning)
	return nil
}

// Finish runs until the current function returns. Non-blocking acceptance.
func (c *Client) Finish() error {
	if err := c.sess.requireStopped(); err != nil {
		return err
	}
	if _, _, err := c.run("-exec-finish", c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setStatus(StatusRunning)
	return nil
}

// Interrupt signals the debugger out-of-band and awaits the resulting stop.
// It is the only operation valid while the debuggee is running.
func (c *Client) Interrupt() (*StopEvent, error) {
	if err := c.sess.requireRunning(); err != nil {
		return nil, err
	}
	sub := c.corr.subscribe(AsyncExec)
	defer c.corr.unsubscribe(sub)

	if err := c.tr.interrupt(); err != nil {
		return nil, &Error{Kind: KindProcessTerminated, Detail: "delivering interrupt", Err: err}
	}
	c.sess.recordCommand("interrupt", true)
	return c.waitStopOn(sub, c.cfg.InspectTimeout)
}

// AwaitStop blocks until the debuggee stops or exits, or the timeout expires.
// Returns immediately when the debuggee is already stopped.
func (c *Client) AwaitStop(timeout time.Duration) (*StopEvent, error) {
	sub := c.corr.subscribe(AsyncExec)
	defer c.corr.unsubscribe(sub)

	switch c.sess.Status() {
	case StatusStopped, StatusExited:
		c.stopMu.Lock()
		ev := c.lastStop
		c.stopMu.Unlock()
		if ev != nil {
			return ev, nil
		}
	}
	return c.waitStopOn(sub, timeout)
}

func (c *Client) waitStopOn(sub *subscription, timeout time.Duration) (*StopEvent, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		select {
		case r, ok := <-sub.Records():
			if !ok {
				return nil, errorf(KindProcessTerminated, "debugger process exited while waiting for stop")
			}
			if r.Class == "stopped" {
				ev := stopEventFromTuple(r.Payload)
				ev.Output = r.Output
				return &ev, nil
			}
		case <-timer:
			return nil, errorf(KindCommandTimeout, "debuggee did not stop within %s", timeout)
		}
	}
}

// TargetRemote connects to a remote GDB stub. A symbol file must already be
// loaded via SetFile. Mutually exclusive with the local run workflow.
func (c *Client) TargetRemote(endpoint string) error {
	if err := c.sess.requireLoaded(); err != nil {
		return err
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if _, _, err := c.run("-target-select remote "+endpoint, c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setRemote(endpoint)
	return nil
}

// Disconnect detaches from the remote target. Idempotent: succeeds when no
// remote connection is active.
func (c *Client) Disconnect() error {
	if c.sess.remoteTarget() == "" {
		c.sess.recordCommand("-target-disconnect", true)
		return nil
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if _, _, err := c.run("-target-disconnect", c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.setRemote("")
	c.sess.setStatus(StatusLoaded)
	return nil
}

// SetBreakpoint inserts a breakpoint and returns GDB's view of it, including
// the debugger-assigned id.
func (c *Client) SetBreakpoint(location, condition string) (Breakpoint, error) {
	if err := c.sess.requireLoaded(); err != nil {
		return Breakpoint{}, err
	}
	if err := c.sess.requireNotRunning(); err != nil {
		return Breakpoint{}, err
	}
	cmd := "-break-insert "
	if condition != "" {
		cmd += fmt.Sprintf("-c %q ", condition)
	}
	cmd += location
	r, _, err := c.run(cmd, c.cfg.InspectTimeout)
	if err != nil {
		return Breakpoint{}, err
	}
	bt := r.Payload.Tuple("bkpt")
	if bt == nil {
		return Breakpoint{}, errorf(KindMalformedRecord, "breakpoint result without bkpt payload")
	}
	bp := breakpointFromTuple(bt)
	if bp.Location == "" {
		bp.Location = location
	}
	c.sess.recordBreakpoint(bp)
	return bp, nil
}

// ListBreakpoints queries GDB's authoritative table and reconciles the cache.
func (c *Client) ListBreakpoints() ([]Breakpoint, error) {
	if err := c.sess.requireNotRunning(); err != nil {
		return nil, err
	}
	r, _, err := c.run("-break-list", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	var bps []Breakpoint
	table := r.Payload.Tuple("BreakpointTable")
	if table != nil {
		for _, el := range table.List("body") {
			entry, ok := el.(Tuple)
			if !ok {
				continue
			}
			if bt := entry.Tuple("bkpt"); bt != nil {
				bps = append(bps, breakpointFromTuple(bt))
			}
		}
	}
	c.sess.replaceBreakpoints(bps)
	return bps, nil
}

// ensureBreakpoint tolerates cache drift: a miss (or a dirty cache) triggers
// one reconciliation against -break-list before failing.
func (c *Client) ensureBreakpoint(id int) error {
	if c.sess.hasBreakpoint(id) && !c.sess.breakpointsDirty() {
		return nil
	}
	if _, err := c.ListBreakpoints(); err != nil {
		return err
	}
	if !c.sess.hasBreakpoint(id) {
		return errorf(KindBreakpointNotFound, "no breakpoint with id %d", id)
	}
	return nil
}

// DeleteBreakpoint removes a breakpoint by debugger-assigned id.
func (c *Client) DeleteBreakpoint(id int) error {
	if err := c.sess.requireNotRunning(); err != nil {
		return err
	}
	if err := c.ensureBreakpoint(id); err != nil {
		return err
	}
	if _, _, err := c.run(fmt.Sprintf("-break-delete %d", id), c.cfg.InspectTimeout); err != nil {
		return err
	}
	c.sess.removeBreakpoint(id)
	return nil
}

// ToggleBreakpoint enables or disables a breakpoint by id.
func (c *Client) ToggleBreakpoint(id int, enable bool) (Breakpoint, error) {
	if err := c.sess.requireNotRunning(); err != nil {
		return Breakpoint{}, err
	}
	if err := c.ensureBreakpoint(id); err != nil {
		return Breakpoint{}, err
	}
	verb := "-break-disable"
	if enable {
		verb = "-break-enable"
	}
	if _, _, err := c.run(fmt.Sprintf("%s %d", verb, id), c.cfg.InspectTimeout); err != nil {
		return Breakpoint{}, err
	}
	c.sess.setBreakpointEnabled(id, enable)
	for _, bp := range c.sess.listBreakpoints() {
		if bp.ID == id {
			return bp, nil
		}
	}
	return Breakpoint{ID: id, Enabled: enable}, nil
}

// MemoryResult is the outcome of a memory read.
type MemoryResult struct {
	Address   string `json:"address"`
	Length    int    `json:"length"`
	Hex       string `json:"hex"`
	Formatted string `json:"formatted,omitempty"`
}

// GetMemory reads memory at the given address. Pure read: requires a stopped
// debuggee and never mutates session state. Format: hex (default), string, int.
func (c *Client) GetMemory(address string, length int, format string) (*MemoryResult, error) {
	if err := c.sess.requireStopped(); err != nil {
		return nil, err
	}
	if length <= 0 {
		length = 64
	}
	raw, err := c.readMemory(address, length)
	if err != nil {
		return nil, err
	}
	res := &MemoryResult{Address: address, Length: len(raw), Hex: hex.EncodeToString(raw)}
	switch format {
	case "", "hex":
		res.Formatted = hexDump(address, raw)
	case "string":
		res.Formatted = printableString(raw)
	case "int":
		parts := make([]string, len(raw))
		for i, b := range raw {
			parts[i] = fmt.Sprintf("%d", b)
		}
		res.Formatted = strings.Join(parts, " ")
	default:
		return nil, errorf(KindInvalidState, "unknown memory format %q (want hex|string|int)", format)
	}
	return res, nil
}

// readMemory issues -data-read-memory-bytes and concatenates the returned blocks.
func (c *Client) readMemory(address string, length int) ([]byte, error) {
	r, _, err := c.run(fmt.Sprintf("-data-read-memory-bytes %s %d", address, length), c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	var raw []byte
	for _, el := range r.Payload.List("memory") {
		block, ok := el.(Tuple)
		if !ok {
			continue
		}
		b, err := hex.DecodeString(block.Str("contents"))
		if err != nil {
			return nil, errorf(KindMalformedRecord, "undecodable memory contents: %v", err)
		}
		raw = append(raw, b...)
	}
	return raw, nil
}

// maxInsnLen over-fetches the disassembly window; x86 instructions are at
// most 15 bytes.
const maxInsnLen = 15

// Disassemble returns up to count instructions starting at address. Pure
// read: requires a stopped debuggee.
func (c *Client) Disassemble(address string, count int) ([]Instruction, error) {
	if err := c.sess.requireStopped(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 16
	}
	insns, err := c.disassembleRange(address, fmt.Sprintf("(%s)+%d", address, count*maxInsnLen))
	if err != nil {
		return nil, err
	}
	if len(insns) > count {
		insns = insns[:count]
	}
	return insns, nil
}

func (c *Client) disassembleRange(start, end string) ([]Instruction, error) {
	r, _, err := c.run(fmt.Sprintf("-data-disassemble -s %q -e %q -- 0", start, end), c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	var insns []Instruction
	for _, el := range r.Payload.List("asm_insns") {
		if t, ok := el.(Tuple); ok {
			insns = append(insns, instructionFromTuple(t))
		}
	}
	return insns, nil
}

// SessionInfo returns the session snapshot, including the last observed stop
// event. No debugger round trip.
func (c *Client) SessionInfo() SessionInfo {
	info := c.sess.info()
	c.stopMu.Lock()
	if c.lastStop != nil {
		ev := *c.lastStop
		info.LastStop = &ev
	}
	c.stopMu.Unlock()
	return info
}

// Status returns the last confirmed execution status.
func (c *Client) Status() Status {
	return c.sess.Status()
}

// Close shuts the debugger down. Best-effort -gdb-exit, then the hammer.
func (c *Client) Close() {
	c.tr.send("-gdb-exit")
	c.tr.close()
}

func hexDump(address string, data []byte) string {
	var b strings.Builder
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]
		fmt.Fprintf(&b, "%s+0x%02x:", address, off)
		for _, by := range row {
			fmt.Fprintf(&b, " %02x", by)
		}
		b.WriteString("  |")
		for _, by := range row {
			if by >= 0x20 && by < 0x7f {
				b.WriteByte(by)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String()
}

func printableString(data []byte) string {
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}
