package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vajrock/mcp-gdbmi-server/internal/gdbmi"
)

// stopWaitTimeout bounds blocking waits requested via the tools' wait flag.
// Execution until a crash or breakpoint can far exceed the inspection timeout.
const stopWaitTimeout = 60 * time.Second

type gdbSession struct {
	mu     sync.Mutex
	cfg    gdbmi.Config
	client *gdbmi.Client
}

// registerTools registers the GDB bridge tools with the MCP server.
func registerTools(server *mcp.Server, cfg gdbmi.Config) {
	gs := &gdbSession{cfg: cfg}

	// Session management
	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_file",
		Description: "Load a binary file for debugging. Starts the GDB session if none is active.",
	}, gs.setFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_poc_file",
		Description: "Set the proof-of-concept (PoC) file as the argument for the loaded binary.",
	}, gs.setPocFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_session_info",
		Description: "Get current debugging session information: status, breakpoints, command history.",
	}, gs.getSessionInfo)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "target_remote",
		Description: "Connect to a remote GDB server (host:port). Requires a symbol file set via set_file.",
	}, gs.targetRemote)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "disconnect",
		Description: "Disconnect from the remote target. Succeeds when no remote connection is active.",
	}, gs.disconnect)

	// Execution control
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run",
		Description: "Run the loaded binary. Returns once GDB accepts the command; the stop arrives asynchronously.",
	}, gs.run)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "interrupt",
		Description: "Interrupt the running debuggee and wait for it to stop.",
	}, gs.interrupt)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "finish",
		Description: "Run until the current function returns.",
	}, gs.finish)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "step_control",
		Description: "Execute a stepping command. Mode: 'continue', 'next', 'step', 'nexti' or 'stepi'.",
	}, gs.stepControl)

	// Breakpoints
	mcp.AddTool(server, &mcp.Tool{
		Name:        "set_breakpoint",
		Description: "Set a breakpoint at a location (file:line, function or address), with an optional condition.",
	}, gs.setBreakpoint)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_breakpoints",
		Description: "List all breakpoints as GDB reports them.",
	}, gs.listBreakpoints)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_breakpoint",
		Description: "Delete a breakpoint by id.",
	}, gs.deleteBreakpoint)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "toggle_breakpoint",
		Description: "Enable or disable a breakpoint by id.",
	}, gs.toggleBreakpoint)

	// Inspection
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_context",
		Description: "Get debugging context after a stop: registers, stack, disassembly, source and backtrace.",
	}, gs.getContext)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_memory",
		Description: "Read memory at an address. Format: 'hex', 'string' or 'int'.",
	}, gs.getMemory)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "disassemble",
		Description: "Disassemble instructions starting at an address.",
	}, gs.disassemble)

	// Escape hatch
	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute",
		Description: "Execute an arbitrary GDB/pwndbg command verbatim and return its output.",
	}, gs.execute)
}

// current returns the live client or fails the way the original server does
// when no session exists yet.
func (gs *gdbSession) current() (*gdbmi.Client, error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.client == nil {
		return nil, fmt.Errorf("no debug session: call set_file first")
	}
	return gs.client, nil
}

// jsonResult marshals a structured result into a text content block.
func jsonResult(v any) (*mcp.CallToolResultFor[any], error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func textResult(format string, args ...any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// SetFileParams defines the parameters for loading a binary.
type SetFileParams struct {
	Path string `json:"path" mcp:"path to the binary to load"`
}

// setFile loads a binary, starting a fresh GDB subprocess when needed. A dead
// session (GDB exited) is replaced transparently.
func (gs *gdbSession) setFile(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SetFileParams]) (*mcp.CallToolResultFor[any], error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.client == nil {
		client, err := gdbmi.New(gs.cfg)
		if err != nil {
			return nil, err
		}
		gs.client = client
	}
	err := gs.client.SetFile(params.Arguments.Path)
	if gdbmi.IsKind(err, gdbmi.KindProcessTerminated) {
		// ProcessTerminated is terminal for that session: start a new
		// subprocess and retry once.
		gs.client.Close()
		client, startErr := gdbmi.New(gs.cfg)
		if startErr != nil {
			return nil, startErr
		}
		gs.client = client
		err = gs.client.SetFile(params.Arguments.Path)
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(gs.client.SessionInfo())
}

// SetPocFileParams defines the parameters for setting the PoC file.
type SetPocFileParams struct {
	Path string `json:"path" mcp:"path to the PoC file passed to the binary as its argument"`
}

func (gs *gdbSession) setPocFile(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SetPocFileParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.SetPocFile(params.Arguments.Path); err != nil {
		return nil, err
	}
	return textResult("PoC file set: %s", params.Arguments.Path), nil
}

// SessionInfoParams defines the (empty) parameters for get_session_info.
type SessionInfoParams struct{}

func (gs *gdbSession) getSessionInfo(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[SessionInfoParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	return jsonResult(client.SessionInfo())
}

// TargetRemoteParams defines the parameters for connecting to a remote stub.
type TargetRemoteParams struct {
	Endpoint string `json:"endpoint" mcp:"remote GDB server endpoint as host:port"`
}

func (gs *gdbSession) targetRemote(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[TargetRemoteParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.TargetRemote(params.Arguments.Endpoint); err != nil {
		return nil, err
	}
	return textResult("connected to remote target %s", params.Arguments.Endpoint), nil
}

// DisconnectParams defines the (empty) parameters for disconnect.
type DisconnectParams struct{}

func (gs *gdbSession) disconnect(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[DisconnectParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.Disconnect(); err != nil {
		return nil, err
	}
	return textResult("disconnected"), nil
}

// RunParams defines the parameters for running the debuggee.
type RunParams struct {
	Start bool     `json:"start,omitempty" mcp:"stop at program entry (equivalent to GDB's start)"`
	Args  []string `json:"args,omitempty" mcp:"program arguments, replacing any previously set (including the PoC file)"`
	Wait  bool     `json:"wait,omitempty" mcp:"block until the debuggee stops and return the stop event"`
}

func (gs *gdbSession) run(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[RunParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.Run(params.Arguments.Start, params.Arguments.Args); err != nil {
		return nil, err
	}
	if params.Arguments.Wait {
		ev, err := client.AwaitStop(stopWaitTimeout)
		if err != nil {
			return nil, err
		}
		return jsonResult(ev)
	}
	return textResult("running; poll get_session_info for the stop, then call get_context"), nil
}

// InterruptParams defines the (empty) parameters for interrupt.
type InterruptParams struct{}

func (gs *gdbSession) interrupt(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[InterruptParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	ev, err := client.Interrupt()
	if err != nil {
		return nil, err
	}
	return jsonResult(ev)
}

// FinishParams defines the (empty) parameters for finish.
type FinishParams struct{}

func (gs *gdbSession) finish(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[FinishParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.Finish(); err != nil {
		return nil, err
	}
	return textResult("finishing current function"), nil
}

// StepControlParams defines the parameters for stepping.
type StepControlParams struct {
	Mode string `json:"mode" mcp:"'continue', 'next', 'step', 'nexti' or 'stepi' (short aliases c/n/s/ni/si accepted)"`
	Wait bool   `json:"wait,omitempty" mcp:"block until the debuggee stops again and return the stop event"`
}

func (gs *gdbSession) stepControl(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[StepControlParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.StepControl(params.Arguments.Mode); err != nil {
		return nil, err
	}
	if params.Arguments.Wait {
		ev, err := client.AwaitStop(stopWaitTimeout)
		if err != nil {
			return nil, err
		}
		return jsonResult(ev)
	}
	return textResult("step accepted: %s", params.Arguments.Mode), nil
}

// SetBreakpointParams defines the parameters for setting a breakpoint.
type SetBreakpointParams struct {
	Location  string `json:"location" mcp:"breakpoint location: file:line, function name or *address"`
	Condition string `json:"condition,omitempty" mcp:"optional breakpoint condition"`
}

func (gs *gdbSession) setBreakpoint(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[SetBreakpointParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	bp, err := client.SetBreakpoint(params.Arguments.Location, params.Arguments.Condition)
	if err != nil {
		return nil, err
	}
	return jsonResult(bp)
}

// ListBreakpointsParams defines the (empty) parameters for list_breakpoints.
type ListBreakpointsParams struct{}

func (gs *gdbSession) listBreakpoints(ctx context.Context, _ *mcp.ServerSession, _ *mcp.CallToolParamsFor[ListBreakpointsParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	bps, err := client.ListBreakpoints()
	if err != nil {
		return nil, err
	}
	return jsonResult(bps)
}

// DeleteBreakpointParams defines the parameters for deleting a breakpoint.
type DeleteBreakpointParams struct {
	ID int `json:"id" mcp:"breakpoint id to delete"`
}

func (gs *gdbSession) deleteBreakpoint(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[DeleteBreakpointParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	if err := client.DeleteBreakpoint(params.Arguments.ID); err != nil {
		return nil, err
	}
	return textResult("deleted breakpoint %d", params.Arguments.ID), nil
}

// ToggleBreakpointParams defines the parameters for toggling a breakpoint.
type ToggleBreakpointParams struct {
	ID     int  `json:"id" mcp:"breakpoint id to toggle"`
	Enable bool `json:"enable" mcp:"new enabled state"`
}

func (gs *gdbSession) toggleBreakpoint(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ToggleBreakpointParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	bp, err := client.ToggleBreakpoint(params.Arguments.ID, params.Arguments.Enable)
	if err != nil {
		return nil, err
	}
	return jsonResult(bp)
}

// GetContextParams defines the parameters for getting debugging context.
type GetContextParams struct {
	Type string `json:"type,omitempty" mcp:"'all' (default), 'regs', 'stack', 'disasm', 'code' or 'backtrace'"`
}

func (gs *gdbSession) getContext(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GetContextParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	snap, err := client.GetContext(params.Arguments.Type)
	if err != nil {
		return nil, err
	}
	return jsonResult(snap)
}

// GetMemoryParams defines the parameters for reading memory.
type GetMemoryParams struct {
	Address string `json:"address" mcp:"memory address or expression to read"`
	Length  int    `json:"length,omitempty" mcp:"number of bytes to read (default 64)"`
	Format  string `json:"format,omitempty" mcp:"'hex' (default), 'string' or 'int'"`
}

func (gs *gdbSession) getMemory(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[GetMemoryParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	mem, err := client.GetMemory(params.Arguments.Address, params.Arguments.Length, params.Arguments.Format)
	if err != nil {
		return nil, err
	}
	return jsonResult(mem)
}

// DisassembleParams defines the parameters for disassembling code.
type DisassembleParams struct {
	Address string `json:"address" mcp:"address or expression to disassemble at"`
	Count   int    `json:"count,omitempty" mcp:"number of instructions (default 16)"`
}

func (gs *gdbSession) disassemble(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[DisassembleParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	insns, err := client.Disassemble(params.Arguments.Address, params.Arguments.Count)
	if err != nil {
		return nil, err
	}
	return jsonResult(insns)
}

// ExecuteParams defines the parameters for verbatim command execution.
type ExecuteParams struct {
	Command string `json:"command" mcp:"GDB command to execute verbatim"`
}

func (gs *gdbSession) execute(ctx context.Context, _ *mcp.ServerSession, params *mcp.CallToolParamsFor[ExecuteParams]) (*mcp.CallToolResultFor[any], error) {
	client, err := gs.current()
	if err != nil {
		return nil, err
	}
	res, err := client.Execute(params.Arguments.Command)
	if err != nil {
		return nil, err
	}
	return jsonResult(res)
}
