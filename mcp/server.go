// Package mcp exposes a Diabetactic client as a Model Context Protocol
// server so an assistant can record and query readings, manage
// appointments and drive the offline sync queue.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/diabetactic/diabetactic-go"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with Diabetactic tools.
type Server struct {
	client    *diabetactic.Client
	mcpServer *server.MCPServer
	refs      *RefSession

	username string
	password string

	handlers map[string]toolHandler
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// Option configures a Server.
type Option func(*Server)

// WithCredentials sets the login used by diabetactic_login when the call
// carries none.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username, s.password = username, password
	}
}

// NewServer creates an MCP server with the Diabetactic tools registered.
func NewServer(client *diabetactic.Client, opts ...Option) *Server {
	s := &Server{
		client: client,
		refs:   NewRefSession(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		"diabetactic",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout until the input is closed.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// Refs returns the session reference tracker.
func (s *Server) Refs() *RefSession { return s.refs }

// ListTools returns all registered tools sorted by name.
func (s *Server) ListTools() []ToolInfo {
	defs := s.toolDefs()
	tools := make([]ToolInfo, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, ToolInfo{Name: def.tool.Name, Description: def.tool.Description})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return h(ctx, args)
}

// queueStateNone is reported by the gateway when the user has not joined
// the appointment queue; placement is undefined then.
const queueStateNone = "NONE"

type toolDef struct {
	tool    mcp.Tool
	handler toolHandler
}

func (s *Server) toolDefs() []toolDef {
	return []toolDef{
		{mcp.NewTool("diabetactic_login",
			mcp.WithDescription("Log in to the Diabetactic gateway. Uses the configured credentials when username and password are omitted. Local data is bound to the first account; logging in as another account requires clear_local_data."),
			mcp.WithString("username", mcp.Description("Account DNI")),
			mcp.WithString("password", mcp.Description("Account password")),
			mcp.WithBoolean("clear_local_data", mcp.Description("Discard cached data and unsynced writes of a previously bound account")),
		), s.handleLogin},

		{mcp.NewTool("diabetactic_health",
			mcp.WithDescription("Check whether the gateway is reachable and ready."),
		), s.handleHealth},

		{mcp.NewTool("diabetactic_readings",
			mcp.WithDescription("List glucose readings, newest first. Each reading gets a session ref (R1, R2, ...) usable with diabetactic_reading_delete."),
			mcp.WithNumber("limit", mcp.Description("Maximum readings to return (default: all)")),
		), s.handleReadings},

		{mcp.NewTool("diabetactic_reading_latest",
			mcp.WithDescription("Show the most recent glucose reading."),
		), s.handleLatest},

		{mcp.NewTool("diabetactic_reading_record",
			mcp.WithDescription("Record a glucose reading. Uploaded immediately when the gateway is reachable, queued for sync otherwise."),
			mcp.WithNumber("glucose_level", mcp.Description("Glucose level in mg/dL"), mcp.Required()),
			mcp.WithString("reading_type", mcp.Description("Reading type, e.g. fasting, preprandial, postprandial"), mcp.Required()),
			mcp.WithString("notes", mcp.Description("Free-text notes")),
			mcp.WithString("taken_at", mcp.Description("Measurement time in RFC 3339 (default: now)")),
		), s.handleRecord},

		{mcp.NewTool("diabetactic_reading_delete",
			mcp.WithDescription("Delete a glucose reading by session ref (R1) or local id."),
			mcp.WithString("reading", mcp.Description("Session ref or local id"), mcp.Required()),
		), s.handleDeleteReading},

		{mcp.NewTool("diabetactic_appointments",
			mcp.WithDescription("List appointments. Each gets a session ref (A1, A2, ...)."),
		), s.handleAppointments},

		{mcp.NewTool("diabetactic_appointment_request",
			mcp.WithDescription("Request a clinic appointment."),
			mcp.WithString("date", mcp.Description("Requested date (YYYY-MM-DD)"), mcp.Required()),
			mcp.WithString("reason", mcp.Description("Reason for the visit")),
		), s.handleRequestAppointment},

		{mcp.NewTool("diabetactic_appointment_queue",
			mcp.WithDescription("Show the state and placement in the appointment queue, optionally joining it first."),
			mcp.WithBoolean("submit", mcp.Description("Join the queue before reporting")),
		), s.handleQueue},

		{mcp.NewTool("diabetactic_sync",
			mcp.WithDescription("Replay queued offline writes against the gateway and report the outcome."),
		), s.handleSync},

		{mcp.NewTool("diabetactic_sync_status",
			mcp.WithDescription("Report sync queue counters and writes in conflict that need attention."),
		), s.handleSyncStatus},
	}
}

func (s *Server) registerTools() {
	defs := s.toolDefs()
	s.handlers = make(map[string]toolHandler, len(defs))
	for _, def := range defs {
		s.handlers[def.tool.Name] = def.handler
		s.mcpServer.AddTool(def.tool, adapt(def.handler))
	}
}

// adapt turns an internal handler into an mcp-go tool handler.
func adapt(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: r.Content},
		},
		IsError: r.IsError,
	}
}

func errorResult(format string, args ...any) (*ToolResult, error) {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}, nil
}

func textResult(content string) (*ToolResult, error) {
	return &ToolResult{Content: content}, nil
}

func (s *Server) handleLogin(ctx context.Context, args map[string]any) (*ToolResult, error) {
	user, _ := args["username"].(string)
	pass, _ := args["password"].(string)
	if user == "" && pass == "" {
		user, pass = s.username, s.password
	}
	if user == "" || pass == "" {
		return errorResult("username and password are required")
	}

	p, err := s.client.Login(ctx, user, pass)
	var mismatch *diabetactic.ProfileMismatchError
	if errors.As(err, &mismatch) {
		if clear, _ := args["clear_local_data"].(bool); !clear {
			return errorResult("local data belongs to another account; retry with clear_local_data to discard it")
		}
		if err := s.client.ClearLocalData(ctx); err != nil {
			return errorResult("clear local data: %v", err)
		}
		p, err = s.client.Login(ctx, user, pass)
	}
	if err != nil {
		return errorResult("login failed: %v", err)
	}

	s.refs.Clear()
	return textResult(formatProfile(p))
}

func (s *Server) handleHealth(ctx context.Context, args map[string]any) (*ToolResult, error) {
	h, err := s.client.HealthCheck(ctx)
	if err != nil {
		return errorResult("gateway unreachable: %v", err)
	}
	if !h.Ready() {
		return errorResult("gateway reports status %q", h.Status)
	}
	return textResult(fmt.Sprintf("Gateway (%s) is up.", s.client.Backend().Mode))
}

func (s *Server) handleReadings(ctx context.Context, args map[string]any) (*ToolResult, error) {
	readings, err := s.client.Readings(ctx)
	if err != nil {
		return errorResult("list readings: %v", err)
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 && int(limit) < len(readings) {
		readings = readings[:int(limit)]
	}
	return textResult(s.formatReadings(readings))
}

func (s *Server) handleLatest(ctx context.Context, args map[string]any) (*ToolResult, error) {
	r, err := s.client.LatestReading(ctx)
	if errors.Is(err, diabetactic.ErrNotFound) {
		return textResult("No readings recorded.")
	}
	if err != nil {
		return errorResult("latest reading: %v", err)
	}
	return textResult(fmt.Sprintf("Latest reading: %s", formatReadingLine(r)))
}

func (s *Server) handleRecord(ctx context.Context, args map[string]any) (*ToolResult, error) {
	level, ok := args["glucose_level"].(float64)
	if !ok {
		return errorResult("glucose_level is required")
	}
	readingType, _ := args["reading_type"].(string)
	if readingType == "" {
		return errorResult("reading_type is required")
	}
	notes, _ := args["notes"].(string)

	r := diabetactic.Reading{
		GlucoseLevel: level,
		ReadingType:  readingType,
		Notes:        notes,
		CreatedAt:    time.Now().UTC(),
	}
	if at, _ := args["taken_at"].(string); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return errorResult("invalid taken_at: %v", err)
		}
		r.CreatedAt = t.UTC()
	}

	rec, err := s.client.RecordReading(ctx, r)
	if err != nil {
		return errorResult("record failed: %v", err)
	}
	ref := s.refs.Track(diabetactic.KindReading, rec.LocalID)
	return textResult(formatRecorded(ref, rec))
}

func (s *Server) handleDeleteReading(ctx context.Context, args map[string]any) (*ToolResult, error) {
	arg, _ := args["reading"].(string)
	if arg == "" {
		return errorResult("reading is required")
	}
	localID := arg
	if e, ok := s.refs.Resolve(arg); ok {
		if e.Kind != diabetactic.KindReading {
			return errorResult("%s is not a reading", arg)
		}
		localID = e.LocalID
	}

	if err := s.client.DeleteReading(ctx, localID); err != nil {
		if errors.Is(err, diabetactic.ErrNotFound) {
			return errorResult("reading %s not found", arg)
		}
		return errorResult("delete failed: %v", err)
	}
	return textResult(fmt.Sprintf("Deleted reading %s.", arg))
}

func (s *Server) handleAppointments(ctx context.Context, args map[string]any) (*ToolResult, error) {
	appts, err := s.client.Appointments(ctx)
	if err != nil {
		return errorResult("list appointments: %v", err)
	}
	return textResult(s.formatAppointments(appts))
}

func (s *Server) handleRequestAppointment(ctx context.Context, args map[string]any) (*ToolResult, error) {
	date, _ := args["date"].(string)
	if date == "" {
		return errorResult("date is required")
	}
	reason, _ := args["reason"].(string)

	rec, err := s.client.RecordAppointment(ctx, diabetactic.Appointment{Date: date, Reason: reason})
	if err != nil {
		return errorResult("request failed: %v", err)
	}
	ref := s.refs.Track(diabetactic.KindAppointment, rec.LocalID)
	return textResult(fmt.Sprintf("Requested appointment [%s] for %s (%s).", ref, rec.Date, rec.SyncState))
}

func (s *Server) handleQueue(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if submit, _ := args["submit"].(bool); submit {
		if _, err := s.client.SubmitAppointment(ctx); err != nil {
			return errorResult("join queue: %v", err)
		}
	}
	st, err := s.client.AppointmentState(ctx)
	if err != nil {
		return errorResult("queue state: %v", err)
	}
	if st.State == queueStateNone {
		return textResult("Appointment queue: not joined.")
	}
	pl, err := s.client.AppointmentPlacement(ctx)
	if err != nil {
		return errorResult("queue placement: %v", err)
	}
	return textResult(fmt.Sprintf("Appointment queue: %s, placement %d.", st.State, pl.Placement))
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	if err := s.client.SyncNow(ctx); err != nil {
		return errorResult("sync failed: %v", err)
	}
	st, err := s.client.SyncStatus(ctx)
	if err != nil {
		return errorResult("sync status: %v", err)
	}
	return textResult(formatSyncRun(st))
}

func (s *Server) handleSyncStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	st, err := s.client.SyncStatus(ctx)
	if err != nil {
		return errorResult("sync status: %v", err)
	}
	conflicts, err := s.client.Conflicts(ctx)
	if err != nil {
		return errorResult("conflicts: %v", err)
	}
	return textResult(formatSyncStatus(st, conflicts))
}
