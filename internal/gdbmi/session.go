package gdbmi

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the last confirmed execution state of the debuggee.
type Status string

const (
	StatusNotLoaded Status = "not_loaded"
	StatusLoaded    Status = "loaded"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusExited    Status = "exited"
)

// Breakpoint mirrors one GDB breakpoint. The id is assigned by GDB and is
// the source of truth; this table is a cache reconciled against -break-list.
type Breakpoint struct {
	ID        int    `json:"id"`
	Location  string `json:"location"`
	Enabled   bool   `json:"enabled"`
	HitCount  int    `json:"hitCount"`
	Condition string `json:"condition,omitempty"`
}

// CommandRecord is one entry of the session's command history.
type CommandRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
}

const historyLimit = 256

// session is the mutable state of one debugger subprocess. It is mutated only
// by the Command façade after a confirmed command outcome; a failed command
// never mutates it.
type session struct {
	mu sync.Mutex

	id          string
	createdAt   time.Time
	binaryPath  string
	pocArgsPath string
	remote      string
	status      Status

	breakpoints map[int]*Breakpoint
	// bpDirty marks the cache as possibly drifted from GDB's table; the next
	// miss triggers a -break-list reconciliation before failing.
	bpDirty bool

	history []CommandRecord
}

func newSession() *session {
	now := time.Now()
	return &session{
		id:          now.Format(time.RFC3339Nano),
		createdAt:   now,
		status:      StatusNotLoaded,
		breakpoints: make(map[int]*Breakpoint),
	}
}

func (s *session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// requireLoaded fails with NoBinaryLoaded unless a binary or remote target is set.
func (s *session) requireLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binaryPath == "" && s.remote == "" {
		return errorf(KindNoBinaryLoaded, "no binary loaded; call set_file first")
	}
	return nil
}

// requireStopped guards inspection commands: they must not be attempted while
// the debuggee owns control.
func (s *session) requireStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStopped {
		return errorf(KindInvalidState, "operation requires a stopped debuggee (status is %s)", s.status)
	}
	return nil
}

func (s *session) requireRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return errorf(KindInvalidState, "operation requires a running debuggee (status is %s)", s.status)
	}
	return nil
}

// requireNotRunning rejects, rather than queues, every command except
// interrupt while the debuggee is running.
func (s *session) requireNotRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return errorf(KindInvalidState, "debuggee is running; interrupt it first")
	}
	return nil
}

func (s *session) setBinary(path string) {
	s.mu.Lock()
	s.binaryPath = path
	s.status = StatusLoaded
	s.bpDirty = false
	s.mu.Unlock()
}

func (s *session) setPocArgs(path string) {
	s.mu.Lock()
	s.pocArgsPath = path
	s.mu.Unlock()
}

func (s *session) setRemote(endpoint string) {
	s.mu.Lock()
	s.remote = endpoint
	s.mu.Unlock()
}

func (s *session) remoteTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *session) recordBreakpoint(bp Breakpoint) {
	s.mu.Lock()
	s.breakpoints[bp.ID] = &bp
	s.mu.Unlock()
}

func (s *session) removeBreakpoint(id int) {
	s.mu.Lock()
	delete(s.breakpoints, id)
	s.mu.Unlock()
}

func (s *session) setBreakpointEnabled(id int, enabled bool) {
	s.mu.Lock()
	if bp, ok := s.breakpoints[id]; ok {
		bp.Enabled = enabled
	}
	s.mu.Unlock()
}

func (s *session) breakpointHit(id int) {
	s.mu.Lock()
	if bp, ok := s.breakpoints[id]; ok {
		bp.HitCount++
	}
	s.mu.Unlock()
}

func (s *session) hasBreakpoint(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.breakpoints[id]
	return ok
}

func (s *session) breakpointsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpDirty
}

func (s *session) markBreakpointsDirty() {
	s.mu.Lock()
	s.bpDirty = true
	s.mu.Unlock()
}

// replaceBreakpoints reconciles the cache with GDB's authoritative table.
func (s *session) replaceBreakpoints(bps []Breakpoint) {
	s.mu.Lock()
	s.breakpoints = make(map[int]*Breakpoint, len(bps))
	for i := range bps {
		bp := bps[i]
		s.breakpoints[bp.ID] = &bp
	}
	s.bpDirty = false
	s.mu.Unlock()
}

func (s *session) listBreakpoints() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Breakpoint, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, *bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *session) recordCommand(command string, success bool) {
	s.mu.Lock()
	s.history = append(s.history, CommandRecord{Timestamp: time.Now(), Command: command, Success: success})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.mu.Unlock()
}

// SessionInfo is the serializable snapshot returned by get_session_info.
type SessionInfo struct {
	SessionID    string          `json:"sessionId"`
	CreatedAt    time.Time       `json:"createdAt"`
	BinaryPath   string          `json:"binaryPath,omitempty"`
	PocArgsPath  string          `json:"pocArgsPath,omitempty"`
	RemoteTarget string          `json:"remoteTarget,omitempty"`
	Status       Status          `json:"status"`
	LastStop     *StopEvent      `json:"lastStop,omitempty"`
	Breakpoints  []Breakpoint    `json:"breakpoints"`
	CommandCount int             `json:"commandCount"`
	History      []CommandRecord `json:"history,omitempty"`
}

func (s *session) info() SessionInfo {
	bps := s.listBreakpoints()
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]CommandRecord, len(s.history))
	copy(hist, s.history)
	return SessionInfo{
		SessionID:    s.id,
		CreatedAt:    s.createdAt,
		BinaryPath:   s.binaryPath,
		PocArgsPath:  s.pocArgsPath,
		RemoteTarget: s.remote,
		Status:       s.status,
		Breakpoints:  bps,
		CommandCount: len(hist),
		History:      hist,
	}
}

// String implements fmt.Stringer for log lines.
func (s *session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(%s, %s, %d breakpoints)", s.binaryPath, s.status, len(s.breakpoints))
}
