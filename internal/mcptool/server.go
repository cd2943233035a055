package mcptool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tashfeenahmed/scallop/internal/logging"
)

// Server implements an MCP tool server over stdio, exposing the memory
// engine to external agent hosts.
type Server struct {
	handlers    map[string]ToolHandler
	definitions []ToolDef

	reader *bufio.Reader
	writer io.Writer
}

// ToolDef defines a tool's schema for the MCP protocol
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]PropDef
	Required    []string
}

// PropDef defines a property in a tool's input schema
type PropDef struct {
	Type        string
	Description string
}

// ToolHandler handles a tool call
type ToolHandler func(args map[string]any) (string, error)

// NewServer creates an MCP server on stdin/stdout
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]ToolHandler),
		reader:   bufio.NewReader(os.Stdin),
		writer:   os.Stdout,
	}
}

// RegisterTool registers a tool handler with its definition
func (s *Server) RegisterTool(name string, def ToolDef, handler ToolHandler) {
	s.handlers[name] = handler
	def.Name = name
	s.definitions = append(s.definitions, def)
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run serves requests until EOF (blocking)
func (s *Server) Run() error {
	logging.Info("mcp", "server starting with %d tools", len(s.definitions))
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			logging.Info("mcp", "EOF received, shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if line == "" || line == "\n" {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			logging.Warn("mcp", "failed to parse request: %v", err)
			continue
		}
		if resp := s.handleRequest(req); resp != nil {
			s.send(resp)
		}
	}
}

func (s *Server) handleRequest(req jsonRPCRequest) *jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]string{"name": "scallop-memory", "version": "1.0.0"},
				"capabilities":    map[string]any{"tools": map[string]bool{}},
			},
		}
	case "initialized", "notifications/initialized":
		return nil
	case "tools/list":
		defs := make([]toolDefinition, 0, len(s.definitions))
		for _, d := range s.definitions {
			props := make(map[string]property, len(d.Properties))
			for name, p := range d.Properties {
				props[name] = property{Type: p.Type, Description: p.Description}
			}
			defs = append(defs, toolDefinition{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: inputSchema{Type: "object", Properties: props, Required: d.Required},
			})
		}
		return &jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": defs}}
	case "tools/call":
		return s.handleToolsCall(req)
	default:
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: -32601, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}
}

func (s *Server) handleToolsCall(req jsonRPCRequest) *jsonRPCResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: -32602, Message: "invalid params"},
		}
	}
	handler, ok := s.handlers[params.Name]
	if !ok {
		return &jsonRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &jsonRPCError{Code: -32602, Message: fmt.Sprintf("unknown tool: %s", params.Name)},
		}
	}
	text, err := handler(params.Arguments)
	isError := false
	if err != nil {
		text = err.Error()
		isError = true
	}
	return &jsonRPCResponse{
		JSONRPC: "2.0", ID: req.ID,
		Result: map[string]any{
			"content": []contentBlock{{Type: "text", Text: text}},
			"isError": isError,
		},
	}
}

func (s *Server) send(resp *jsonRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Warn("mcp", "failed to marshal response: %v", err)
		return
	}
	fmt.Fprintf(s.writer, "%s\n", data)
}
