package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codestation/config"
	"github.com/isdmx/codestation/room"
	"github.com/isdmx/codestation/station"
	"github.com/isdmx/codestation/supervisor"
)

const (
	serverName    = "codestation-operator"
	serverVersion = "1.0.0"
)

// Operator is the part of the station exposed to operators
type Operator interface {
	Rooms() []station.RoomStatus
	Tab(roomName, tabID string) (room.Tab, error)
	RunTab(roomName, tabID string) (supervisor.State, error)
	StopTab(roomName, tabID string) (bool, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	operator  Operator
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, operator Operator) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		operator: operator,
	}

	logger.Info("operator surface configured",
		zap.String("mcp.transport", cfg.MCP.Transport),
		zap.String("mcp.path", cfg.MCP.Path))

	s.mcpServer = server.NewMCPServer(serverName, serverVersion)
	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_rooms",
		mcp.WithDescription("List every room with its tab count, member count and running tabs"),
	), s.handleListRooms)

	s.mcpServer.AddTool(mcp.NewTool("get_tab",
		mcp.WithDescription("Return the code and last output of one tab"),
		roomArg(),
		tabArg(),
	), s.handleGetTab)

	s.mcpServer.AddTool(mcp.NewTool("run_tab",
		mcp.WithDescription("Run the stored code of a tab; output is broadcast to the room"),
		roomArg(),
		tabArg(),
	), s.handleRunTab)

	s.mcpServer.AddTool(mcp.NewTool("stop_tab",
		mcp.WithDescription("Stop the running execution of a tab"),
		roomArg(),
		tabArg(),
	), s.handleStopTab)
}

func roomArg() mcp.ToolOption {
	return mcp.WithString("room", mcp.Required(), mcp.Description("Room name"))
}

func tabArg() mcp.ToolOption {
	return mcp.WithString("tab_id", mcp.Required(), mcp.Description("Tab id, e.g. tab-1"))
}

func (s *MCPServer) handleListRooms(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.operator.Rooms())
}

func (s *MCPServer) handleGetTab(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roomName, tabID, err := tabTarget(request)
	if err != nil {
		return nil, err
	}

	tab, err := s.operator.Tab(roomName, tabID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tab)
}

func (s *MCPServer) handleRunTab(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roomName, tabID, err := tabTarget(request)
	if err != nil {
		return nil, err
	}

	s.logger.Info("operator run requested", zap.String("room", roomName), zap.String("tab", tabID))

	state, err := s.operator.RunTab(roomName, tabID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Run failed: %v", err)), nil
	}
	return jsonResult(map[string]string{"state": state.String()})
}

func (s *MCPServer) handleStopTab(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roomName, tabID, err := tabTarget(request)
	if err != nil {
		return nil, err
	}

	stopped, err := s.operator.StopTab(roomName, tabID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
	}

	s.logger.Info("operator stop requested",
		zap.String("room", roomName),
		zap.String("tab", tabID),
		zap.Bool("stopped", stopped))
	return jsonResult(map[string]bool{"stopped": stopped})
}

func tabTarget(request mcp.CallToolRequest) (string, string, error) {
	roomName, err := request.RequireString("room")
	if err != nil {
		return "", "", fmt.Errorf("room parameter is required: %w", err)
	}
	tabID, err := request.RequireString("tab_id")
	if err != nil {
		return "", "", fmt.Errorf("tab_id parameter is required: %w", err)
	}
	return roomName, tabID, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Handler returns the streamable HTTP transport, to be mounted at mcp.path
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(s.config.MCP.Path))
}

// ServeStdio serves the operator surface on stdin and stdout until ctx ends
func (s *MCPServer) ServeStdio(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
