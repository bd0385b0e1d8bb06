package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"pagepilot-mcp-server/internal/assets"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/errs"
	"pagepilot-mcp-server/internal/history"
	"pagepilot-mcp-server/internal/metrics"
	"pagepilot-mcp-server/internal/recorder"
	"pagepilot-mcp-server/internal/session"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime to the session registry and its collaborators.
type Server struct {
	cfg       config.Config
	gates     Gates
	registry  *session.Registry
	assets    *assets.Publisher
	history   *history.Store
	recorder  *recorder.Recorder
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Gates are the startup switches for optional input dimensions. They are
// fixed for the life of the server.
type Gates struct {
	ModelOverride bool
	MultiPage     bool
}

// NewServer constructs the MCP server and registers all tools and resources.
// rec may be nil.
func NewServer(cfg config.Config, registry *session.Registry, publisher *assets.Publisher, store *history.Store, rec *recorder.Recorder) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg: cfg,
		gates: Gates{
			ModelOverride: cfg.MCP.EnableModelOverride,
			MultiPage:     cfg.MCP.EnableMultiPage,
		},
		registry:  registry,
		assets:    publisher,
		history:   store,
		recorder:  rec,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	log.Printf("tools registered: %d (model override %v, multi-page %v)", len(server.tools), server.gates.ModelOverride, server.gates.MultiPage)
	return server, nil
}

// Start serves MCP over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())
	mux.HandleFunc("/health", healthHandler)

	log.Printf("SSE transport listening on :%d", port)
	return serveHTTP(ctx, "SSE", port, mux)
}

// StartHTTP hosts the streamable HTTP transport at /mcp.
func (s *Server) StartHTTP(ctx context.Context, port int) error {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer, mcpserver.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/health", healthHandler)

	log.Printf("streamable HTTP transport listening on http://localhost:%d/mcp", port)
	return serveHTTP(ctx, "HTTP", port, mux)
}

func serveHTTP(ctx context.Context, name string, port int, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("%s server shutting down gracefully...", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// ToolNames lists the registered tools in name order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) registerAllTools() {
	// Page management
	s.registerTool(&NewPageTool{registry: s.registry})
	s.registerTool(&ListPagesTool{registry: s.registry})
	s.registerTool(&SetActivePageTool{registry: s.registry})
	s.registerTool(&GotoTool{registry: s.registry})
	s.registerTool(&ClosePageTool{registry: s.registry})
	s.registerTool(&ScreenshotTool{registry: s.registry, assets: s.assets})

	// AI-driven page operations
	s.registerTool(&ActTool{registry: s.registry})
	s.registerTool(&ObserveTool{registry: s.registry})
	s.registerTool(&ExtractTool{registry: s.registry})
	s.registerTool(&AgentTool{registry: s.registry})

	// History
	s.registerTool(&GenerateScriptTool{registry: s.registry, history: s.history})
	s.registerTool(&GetHistoryTool{registry: s.registry, history: s.history})

	s.registerTool(&CloseSessionTool{registry: s.registry})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

// wrapTool runs one invocation: normalize, gate, execute, then shape the
// result or failure envelope. Tool errors never escape as transport errors.
func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		started := time.Now()

		args := normalizeArgs(request.GetArguments())
		sessionID := resolveSessionID(ctx, args)
		ignored := applyGates(tool.Name(), args, s.gates)
		if len(ignored) > 0 {
			log.Printf("tool %s: gated fields ignored for session %s: %v", tool.Name(), sessionID, ignored)
		}

		result, err := tool.Execute(withSessionID(ctx, sessionID), args)

		inv := recorder.Invocation{
			InvocationID: uuid.NewString(),
			SessionID:    sessionID,
			Tool:         tool.Name(),
			Outcome:      "ok",
			DurationMs:   time.Since(started).Milliseconds(),
			Ignored:      ignored,
		}
		outcome := "ok"
		if err != nil {
			inv.Outcome = "error"
			inv.ErrorKind = string(errs.KindOf(err))
			inv.Error = errs.Message(err)
			outcome = inv.ErrorKind
		}
		metrics.ObserveTool(tool.Name(), outcome, time.Since(started))
		s.recorder.Record(inv)

		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(string(errorPayload(err)))},
				IsError: true,
			}, nil
		}

		if text, ok := result.(string); ok {
			return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}, nil
		}
		if m, ok := result.(map[string]interface{}); ok && len(ignored) > 0 {
			m["ignored_fields"] = ignored
		}
		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

// errorPayload renders the failure envelope.
func errorPayload(err error) []byte {
	payload, marshalErr := json.Marshal(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"kind":    string(errs.KindOf(err)),
			"message": errs.Message(err),
		},
	})
	if marshalErr != nil {
		return []byte(`{"success":false,"error":{"kind":"EngineFailure","message":"failed to encode error"}}`)
	}
	return payload
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"kind":    string(errs.KindEngineFailure),
			"message": fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
		},
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":{"kind":"EngineFailure","message":"tool %s failed to encode payload"}}`, toolName))
}
