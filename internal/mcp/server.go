// Package mcp exposes the process catalog and dispatch as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

// Dispatcher runs a dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.DispatchRequest) models.DispatchResult
}

// Catalog reads loaded manifests.
type Catalog interface {
	Load(ctx context.Context, name string) (*manifest.Snapshot, error)
	List() []*manifest.Snapshot
}

type Server struct {
	mcpServer  *server.MCPServer
	dispatcher Dispatcher
	catalog    Catalog
}

func NewServer(dispatcher Dispatcher, catalog Catalog, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Process Dispatcher",
			version,
			server.WithToolCapabilities(true),
		),
		dispatcher: dispatcher,
		catalog:    catalog,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler returns the HTTP handler serving the /mcp endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	MountHTTPHandlers(mux, s.mcpServer)
	return mux
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_processes",
			mcp.WithDescription("List the business processes that can be dispatched"),
		),
		s.handleListProcesses,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"describe_process",
			mcp.WithDescription("Show the manifest of a process, including its input schema and variants"),
			mcp.WithString("process_name", mcp.Required(), mcp.Description("The name of the process")),
		),
		s.handleDescribeProcess,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"dispatch_process",
			mcp.WithDescription("Run a business process. The dispatcher validates the arguments against the process input schema and selects an implementation variant"),
			mcp.WithString("process_name", mcp.Required(), mcp.Description("The name of the process")),
			mcp.WithObject("arguments", mcp.Description("Arguments matching the process input schema")),
			mcp.WithObject("context", mcp.Description("String attributes available to the selection strategy")),
			mcp.WithString("trace_id", mcp.Description("Correlation id; generated when omitted")),
		),
		s.handleDispatchProcess,
	)
}

type processInfo struct {
	ProcessName string   `json:"process_name"`
	Description string   `json:"description,omitempty"`
	Owner       string   `json:"owner"`
	Version     int      `json:"version"`
	Variants    []string `json:"variants"`
}

func (s *Server) handleListProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps := s.catalog.List()
	out := make([]processInfo, 0, len(snaps))
	for _, snap := range snaps {
		info := processInfo{
			ProcessName: snap.Name(),
			Description: snap.Manifest.Description,
			Owner:       snap.Manifest.Owner,
			Version:     snap.Version(),
		}
		for _, v := range snap.Manifest.Variants {
			info.Variants = append(info.Variants, v.ID)
		}
		out = append(out, info)
	}

	jsonBytes, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleDescribeProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	name, ok := args["process_name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("Missing required parameter: process_name"), nil
	}

	snap, err := s.catalog.Load(ctx, name)
	if errors.Is(err, manifest.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Unknown process: %s", name)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load process: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(snap.Manifest)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// handleDispatchProcess returns the DispatchResult as JSON. Failed
// dispatches are tool errors that still carry the full result.
func (s *Server) handleDispatchProcess(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	name, ok := args["process_name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("Missing required parameter: process_name"), nil
	}

	req := models.DispatchRequest{ProcessName: name}
	if raw, present := args["arguments"]; present && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}
		req.Arguments = encoded
	}
	if raw, present := args["context"].(map[string]interface{}); present {
		req.Context = make(map[string]string, len(raw))
		for k, v := range raw {
			req.Context[k] = fmt.Sprint(v)
		}
	}
	if id, ok := args["trace_id"].(string); ok {
		req.TraceID = id
	}

	result := s.dispatcher.Dispatch(ctx, req)
	jsonBytes, _ := json.Marshal(result)
	if !result.Success {
		return mcp.NewToolResultError(string(jsonBytes)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the streamable HTTP transport on /mcp and the
// legacy SSE transport on /mcp/sse and /mcp/message. GET /mcp answers 405:
// no standalone server stream is offered.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodDelete:
			streamable.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
