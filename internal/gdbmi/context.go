package gdbmi

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StackWord is one word read from the stack.
type StackWord struct {
	Address string `json:"address"`
	Value   string `json:"value"`
}

// ContextSnapshot is the merged result of the fixed read-only query battery
// issued after a stop. It is assembled fresh on every request and never
// cached across execution-state changes. A failed sub-query leaves its field
// empty and notes the failure in Errors; callers get best-effort context even
// with a corrupted stack or unmapped pc.
type ContextSnapshot struct {
	Registers   map[string]string `json:"registers,omitempty"`
	Stack       []StackWord       `json:"stack,omitempty"`
	Disassembly []Instruction     `json:"disassembly,omitempty"`
	SourceLines []string          `json:"sourceLines,omitempty"`
	Backtrace   []Frame           `json:"backtrace,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
}

const (
	ctxRegisters = "regs"
	ctxStack     = "stack"
	ctxDisasm    = "disasm"
	ctxSource    = "code"
	ctxBacktrace = "backtrace"
)

var allContextKinds = []string{ctxRegisters, ctxStack, ctxDisasm, ctxSource, ctxBacktrace}

// GetContext assembles a context snapshot. kind selects one section or "all"
// (the default) for the whole battery. Requires a stopped debuggee.
func (c *Client) GetContext(kind string) (*ContextSnapshot, error) {
	if err := c.sess.requireStopped(); err != nil {
		return nil, err
	}

	kinds := allContextKinds
	switch kind {
	case "", "all":
	case ctxRegisters, ctxStack, ctxDisasm, ctxSource, ctxBacktrace:
		kinds = []string{kind}
	default:
		return nil, errorf(KindInvalidState, "unknown context type %q (want all|regs|stack|disasm|code|backtrace)", kind)
	}

	snap := &ContextSnapshot{Errors: map[string]string{}}
	for _, k := range kinds {
		var err error
		switch k {
		case ctxRegisters:
			snap.Registers, err = c.readRegisters()
		case ctxStack:
			snap.Stack, err = c.readStackWords(16)
		case ctxDisasm:
			snap.Disassembly, err = c.disassembleRange("$pc", "($pc)+64")
		case ctxSource:
			snap.SourceLines, err = c.readSourceWindow(5)
		case ctxBacktrace:
			snap.Backtrace, err = c.readBacktrace()
		}
		if err != nil {
			// Terminal failures abort the whole snapshot; anything else
			// degrades just this section.
			if IsKind(err, KindProcessTerminated) {
				return nil, err
			}
			snap.Errors[k] = err.Error()
		}
	}
	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}
	return snap, nil
}

// readRegisters joins -data-list-register-names with the hex values from
// -data-list-register-values.
func (c *Client) readRegisters() (map[string]string, error) {
	names, _, err := c.run("-data-list-register-names", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	var nameList []string
	for _, el := range names.Payload.List("register-names") {
		if s, ok := el.(Const); ok {
			nameList = append(nameList, string(s))
		}
	}

	values, _, err := c.run("-data-list-register-values x", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	regs := make(map[string]string)
	for _, el := range values.Payload.List("register-values") {
		t, ok := el.(Tuple)
		if !ok {
			continue
		}
		n := t.Int("number")
		if n < 0 || n >= len(nameList) || nameList[n] == "" {
			continue
		}
		regs[nameList[n]] = t.Str("value")
	}
	if len(regs) == 0 {
		return nil, errorf(KindMalformedRecord, "no register values in response")
	}
	return regs, nil
}

// readStackWords reads count 8-byte words starting at $sp.
func (c *Client) readStackWords(count int) ([]StackWord, error) {
	r, _, err := c.run("-data-evaluate-expression $sp", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	spText := r.Payload.Str("value")
	// gdb renders pointers as "0xADDR" possibly followed by annotation.
	if i := strings.IndexByte(spText, ' '); i > 0 {
		spText = spText[:i]
	}
	sp, err := strconv.ParseUint(strings.TrimPrefix(spText, "0x"), 16, 64)
	if err != nil {
		return nil, errorf(KindMalformedRecord, "unparsable $sp value %q", spText)
	}

	raw, err := c.readMemory(fmt.Sprintf("0x%x", sp), count*8)
	if err != nil {
		return nil, err
	}
	var words []StackWord
	for off := 0; off+8 <= len(raw); off += 8 {
		var w uint64
		for i := 7; i >= 0; i-- {
			w = w<<8 | uint64(raw[off+i])
		}
		words = append(words, StackWord{
			Address: fmt.Sprintf("0x%x", sp+uint64(off)),
			Value:   fmt.Sprintf("0x%016x", w),
		})
	}
	return words, nil
}

// readSourceWindow returns source lines around the current frame, read from
// the local file GDB names. The current line is marked.
func (c *Client) readSourceWindow(radius int) ([]string, error) {
	r, _, err := c.run("-stack-info-frame", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	ft := r.Payload.Tuple("frame")
	if ft == nil {
		return nil, errorf(KindMalformedRecord, "frame info without frame payload")
	}
	frame := frameFromTuple(ft)
	path := frame.FullName
	if path == "" {
		path = frame.File
	}
	if path == "" || frame.Line == 0 {
		return nil, errorf(KindDebuggerError, "no source information for current frame")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf(KindDebuggerError, "reading source %s: %v", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	lo := frame.Line - 1 - radius
	if lo < 0 {
		lo = 0
	}
	hi := frame.Line + radius
	if hi > len(lines) {
		hi = len(lines)
	}
	var out []string
	for i := lo; i < hi; i++ {
		marker := "  "
		if i+1 == frame.Line {
			marker = "=>"
		}
		out = append(out, fmt.Sprintf("%s %4d  %s", marker, i+1, lines[i]))
	}
	return out, nil
}

// readBacktrace returns the frame list from -stack-list-frames.
func (c *Client) readBacktrace() ([]Frame, error) {
	r, _, err := c.run("-stack-list-frames", c.cfg.InspectTimeout)
	if err != nil {
		return nil, err
	}
	var frames []Frame
	for _, el := range r.Payload.List("stack") {
		t, ok := el.(Tuple)
		if !ok {
			continue
		}
		if ft := t.Tuple("frame"); ft != nil {
			frames = append(frames, frameFromTuple(ft))
		}
	}
	if frames == nil {
		return nil, errorf(KindMalformedRecord, "no frames in backtrace response")
	}
	return frames, nil
}
