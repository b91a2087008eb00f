// Package gdbmi bridges typed debugger operations onto a GDB subprocess
// speaking the GDB/MI line protocol. It owns the subprocess, serializes
// concurrent callers into one command stream, correlates result records back
// to callers by token, tracks session state, and assembles structured context
// snapshots after stops.
package gdbmi

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is one parsed unit of MI output. Concrete types: ResultRecord,
// AsyncRecord, StreamRecord.
type Record interface {
	record()
}

// ResultRecord is a synchronous "^class" record carrying the token of the
// command that produced it.
type ResultRecord struct {
	Token   int // 0 when the record carries no token
	Class   string
	Payload Tuple
}

// AsyncKind distinguishes the three asynchronous record families.
type AsyncKind int

const (
	AsyncExec   AsyncKind = iota // "*" records: execution state changes
	AsyncNotify                  // "=" records: notifications
	AsyncStatus                  // "+" records: progress
)

// AsyncRecord is an asynchronous "*", "=" or "+" record. It is not correlated
// to any single command; it is broadcast to subscribers.
type AsyncRecord struct {
	Kind    AsyncKind
	Token   int
	Class   string
	Payload Tuple

	// Output is stream text that arrived with no command in flight, attached
	// by the correlator when it dispatches a stop. Crash banners and sanitizer
	// reports emitted while the debuggee owned control land here.
	Output string
}

// StreamOrigin identifies which output channel a stream record came from.
type StreamOrigin int

const (
	OriginConsole StreamOrigin = iota // "~" records: console output
	OriginTarget                      // "@" records: target output
	OriginLog                         // "&" records: gdb's own log
	OriginStderr                      // subprocess stderr, merged by the transport
)

// StreamRecord is unstructured output text tagged with its origin.
type StreamRecord struct {
	Origin StreamOrigin
	Text   string
}

func (*ResultRecord) record() {}
func (*AsyncRecord) record()  {}
func (*StreamRecord) record() {}

// Value is a node in an MI payload: Const, Tuple or List.
type Value interface {
	value()
}

// Const is a quoted MI constant.
type Const string

// Tuple is an MI "{name=value,...}" result set.
type Tuple map[string]Value

// List is an MI "[...]" list. Elements that were written as name=value pairs
// appear as single-entry Tuples.
type List []Value

func (Const) value() {}
func (Tuple) value() {}
func (List) value()  {}

// Str returns the string constant at key, or "" if absent or not a constant.
func (t Tuple) Str(key string) string {
	if c, ok := t[key].(Const); ok {
		return string(c)
	}
	return ""
}

// Int returns the integer constant at key, or 0.
func (t Tuple) Int(key string) int {
	n, _ := strconv.Atoi(t.Str(key))
	return n
}

// Tuple returns the nested tuple at key, or nil.
func (t Tuple) Tuple(key string) Tuple {
	v, _ := t[key].(Tuple)
	return v
}

// List returns the list at key, or nil.
func (t Tuple) List(key string) List {
	v, _ := t[key].(List)
	return v
}

// parseLine parses one MI output line. The "(gdb)" prompt yields (nil, nil).
func parseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r")
	if line == "" || line == "(gdb)" || line == "(gdb) " {
		return nil, nil
	}

	// Optional decimal token prefix.
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	token := 0
	if i > 0 {
		token, _ = strconv.Atoi(line[:i])
	}
	if i >= len(line) {
		return nil, errorf(KindMalformedRecord, "token with no record: %q", line)
	}

	rest := line[i+1:]
	switch line[i] {
	case '^':
		class, payload, err := parseClassResults(rest)
		if err != nil {
			return nil, err
		}
		return &ResultRecord{Token: token, Class: class, Payload: payload}, nil
	case '*', '=', '+':
		kind := map[byte]AsyncKind{'*': AsyncExec, '=': AsyncNotify, '+': AsyncStatus}[line[i]]
		class, payload, err := parseClassResults(rest)
		if err != nil {
			return nil, err
		}
		return &AsyncRecord{Kind: kind, Token: token, Class: class, Payload: payload}, nil
	case '~', '@', '&':
		origin := map[byte]StreamOrigin{'~': OriginConsole, '@': OriginTarget, '&': OriginLog}[line[i]]
		text, _, err := parseCString(rest)
		if err != nil {
			return nil, errorf(KindMalformedRecord, "bad stream record %q: %v", line, err)
		}
		return &StreamRecord{Origin: origin, Text: text}, nil
	default:
		return nil, errorf(KindMalformedRecord, "unrecognized record: %q", line)
	}
}

// parseClassResults splits "class,name=value,..." into the class and payload.
func parseClassResults(s string) (string, Tuple, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return s, nil, nil
	}
	class := s[:comma]
	p := &payloadParser{s: s, pos: comma + 1}
	payload, err := p.results(0)
	if err != nil {
		return "", nil, errorf(KindMalformedRecord, "bad payload in %q: %v", s, err)
	}
	return class, payload, nil
}

type payloadParser struct {
	s   string
	pos int
}

// results parses comma-separated name=value pairs until the terminator byte
// (0 means end of input). The terminator is not consumed.
func (p *payloadParser) results(term byte) (Tuple, error) {
	t := Tuple{}
	for {
		if p.pos >= len(p.s) {
			if term == 0 {
				return t, nil
			}
			return nil, fmt.Errorf("unexpected end of input, want %q", term)
		}
		if term != 0 && p.s[p.pos] == term {
			return t, nil
		}
		eq := strings.IndexByte(p.s[p.pos:], '=')
		if eq < 0 {
			return nil, fmt.Errorf("missing '=' at offset %d", p.pos)
		}
		name := p.s[p.pos : p.pos+eq]
		p.pos += eq + 1
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		t[name] = v
		if p.pos < len(p.s) && p.s[p.pos] == ',' {
			p.pos++
		}
	}
}

func (p *payloadParser) value() (Value, error) {
	if p.pos >= len(p.s) {
		return nil, fmt.Errorf("unexpected end of input")
	}
	switch p.s[p.pos] {
	case '"':
		text, n, err := parseCString(p.s[p.pos:])
		if err != nil {
			return nil, err
		}
		p.pos += n
		return Const(text), nil
	case '{':
		p.pos++
		t, err := p.results('}')
		if err != nil {
			return nil, err
		}
		p.pos++ // consume '}'
		return t, nil
	case '[':
		p.pos++
		var l List
		for {
			if p.pos >= len(p.s) {
				return nil, fmt.Errorf("unterminated list")
			}
			if p.s[p.pos] == ']' {
				p.pos++
				return l, nil
			}
			// List elements are either plain values or name=value results.
			if eq := nameEqPrefix(p.s[p.pos:]); eq > 0 {
				name := p.s[p.pos : p.pos+eq]
				p.pos += eq + 1
				v, err := p.value()
				if err != nil {
					return nil, err
				}
				l = append(l, Tuple{name: v})
			} else {
				v, err := p.value()
				if err != nil {
					return nil, err
				}
				l = append(l, v)
			}
			if p.pos < len(p.s) && p.s[p.pos] == ',' {
				p.pos++
			}
		}
	default:
		return nil, fmt.Errorf("unexpected byte %q at offset %d", p.s[p.pos], p.pos)
	}
}

// nameEqPrefix returns the length of a leading "name" in "name=value", or 0
// if s does not start with one.
func nameEqPrefix(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '=':
			if i == 0 {
				return 0
			}
			return i
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			// still in the name
		default:
			return 0
		}
	}
	return 0
}

// parseCString parses a leading quoted MI constant and returns the decoded
// text and the number of input bytes consumed.
func parseCString(s string) (string, int, error) {
	if len(s) == 0 || s[0] != '"' {
		return "", 0, fmt.Errorf("not a quoted string")
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		switch s[i] {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(s) {
				return "", 0, fmt.Errorf("dangling escape")
			}
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '"':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(s[i])
		}
		i++
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// Frame is one stack frame as reported by MI.
type Frame struct {
	Level    int    `json:"level"`
	Address  string `json:"address,omitempty"`
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	FullName string `json:"fullname,omitempty"`
	Line     int    `json:"line,omitempty"`
}

func frameFromTuple(t Tuple) Frame {
	return Frame{
		Level:    t.Int("level"),
		Address:  t.Str("addr"),
		Function: t.Str("func"),
		File:     t.Str("file"),
		FullName: t.Str("fullname"),
		Line:     t.Int("line"),
	}
}

// StopEvent is the decoded payload of a "*stopped" record. Output carries the
// debuggee and debugger text emitted since the previous stop.
type StopEvent struct {
	Reason       string `json:"reason,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`
	BreakpointID int    `json:"breakpointId,omitempty"`
	Signal       string `json:"signal,omitempty"`
	ExitCode     string `json:"exitCode,omitempty"`
	Frame        *Frame `json:"frame,omitempty"`
	Output       string `json:"output,omitempty"`
}

func stopEventFromTuple(t Tuple) StopEvent {
	ev := StopEvent{
		Reason:   t.Str("reason"),
		ThreadID: t.Str("thread-id"),
		Signal:   t.Str("signal-name"),
		ExitCode: t.Str("exit-code"),
	}
	if t.Str("bkptno") != "" {
		ev.BreakpointID = t.Int("bkptno")
	}
	if ft := t.Tuple("frame"); ft != nil {
		f := frameFromTuple(ft)
		ev.Frame = &f
	}
	return ev
}

func breakpointFromTuple(t Tuple) Breakpoint {
	bp := Breakpoint{
		ID:       t.Int("number"),
		Enabled:  t.Str("enabled") == "y",
		HitCount: t.Int("times"),
		Location: t.Str("original-location"),
	}
	if bp.Location == "" {
		if fn := t.Str("func"); fn != "" {
			bp.Location = fn
		} else if f := t.Str("file"); f != "" {
			bp.Location = fmt.Sprintf("%s:%d", f, t.Int("line"))
		} else {
			bp.Location = t.Str("addr")
		}
	}
	if cond := t.Str("cond"); cond != "" {
		bp.Condition = cond
	}
	return bp
}

// Instruction is one disassembled instruction line.
type Instruction struct {
	Address  string `json:"address"`
	Function string `json:"function,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Text     string `json:"text"`
}

func instructionFromTuple(t Tuple) Instruction {
	return Instruction{
		Address:  t.Str("address"),
		Function: t.Str("func-name"),
		Offset:   t.Int("offset"),
		Text:     t.Str("inst"),
	}
}
