// Package caps performs the connection handshake and mediates every tool
// call against the capability snapshot the tool server advertised.
package caps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/helixlab/biohost/pkg/logger"
	"github.com/helixlab/biohost/pkg/rpc"
)

const protocolVersion = "2024-11-05"

// ToolDescriptor is an immutable snapshot of one advertised tool,
// captured at handshake time.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ConnProvider hands out the current live connection. *rpc.Client
// satisfies it.
type ConnProvider interface {
	Conn() (*rpc.Conn, error)
}

// Registry caches the remote capability set and validates calls against
// it before any RPC is issued.
type Registry struct {
	provider ConnProvider

	mu         sync.RWMutex
	tools      map[string]ToolDescriptor
	order      []string
	serverName string
	serverVer  string
}

func NewRegistry(provider ConnProvider) *Registry {
	return &Registry{
		provider: provider,
		tools:    make(map[string]ToolDescriptor),
	}
}

// Initialize runs the handshake on a fresh connection and replaces the
// cached capability snapshot. It is wired as the rpc.Client connect hook,
// so a reconnect re-fetches the snapshot automatically.
func (r *Registry) Initialize(ctx context.Context, conn *rpc.Conn) error {
	initResult, err := conn.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "biohost",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(initResult, &init); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}

	if err := conn.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	listResult, err := conn.Call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var list struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(listResult, &list); err != nil {
		return fmt.Errorf("tools/list result: %w", err)
	}

	tools := make(map[string]ToolDescriptor, len(list.Tools))
	order := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		tools[tool.Name] = tool
		order = append(order, tool.Name)
	}

	r.mu.Lock()
	r.tools = tools
	r.order = order
	r.serverName = init.ServerInfo.Name
	r.serverVer = init.ServerInfo.Version
	r.mu.Unlock()

	logger.InfoCF("caps", fmt.Sprintf("Handshake complete with %s %s", init.ServerInfo.Name, init.ServerInfo.Version),
		map[string]any{
			"protocol": init.ProtocolVersion,
			"tools":    len(tools),
		})
	return nil
}

// Tools returns the cached snapshot in advertised order.
func (r *Registry) Tools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Tool looks up one descriptor by name.
func (r *Registry) Tool(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ServerInfo reports the connected tool server's identity.
func (r *Registry) ServerInfo() (name, version string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serverName, r.serverVer
}

// CallTool validates args against the advertised schema and dispatches
// the call. Unknown names and schema violations fail here, before any
// RPC is issued, so "I don't know this tool" stays distinct from "the
// tool ran and failed" (ToolExecutionError).
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := r.Tool(name)
	if !ok {
		return "", &NotFoundError{Tool: name}
	}

	if err := r.validateArgs(tool, args); err != nil {
		return "", err
	}

	conn, err := r.provider.Conn()
	if err != nil {
		return "", err
	}

	if args == nil {
		args = map[string]any{}
	}
	result, err := conn.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	text, isError, err := parseToolResult(result)
	if err != nil {
		return "", err
	}
	if isError {
		return "", &ToolExecutionError{Tool: name, Output: text}
	}
	return text, nil
}

// ReadResource fetches a resource by URI through resource/read.
func (r *Registry) ReadResource(ctx context.Context, uri string) (string, error) {
	conn, err := r.provider.Conn()
	if err != nil {
		return "", err
	}

	result, err := conn.Call(ctx, "resource/read", map[string]any{"uri": uri})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Contents []struct {
			Text string `json:"text"`
			Blob string `json:"blob"`
			MIME string `json:"mimeType"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("resource/read result: %w", err)
	}

	var parts []string
	for _, content := range parsed.Contents {
		if content.Text != "" {
			parts = append(parts, content.Text)
		} else if content.Blob != "" {
			parts = append(parts, fmt.Sprintf("[blob: %s, %d bytes]", content.MIME, len(content.Blob)))
		}
	}
	if len(parts) == 0 {
		return "(no content)", nil
	}
	return strings.Join(parts, "\n"), nil
}

// validateArgs is host-side defense in depth; the remote side remains the
// final authority on its own schema.
func (r *Registry) validateArgs(tool ToolDescriptor, args map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}

	schemaBytes, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return &SchemaError{Tool: tool.Name, Details: "unusable advertised schema: " + err.Error()}
	}
	if args == nil {
		args = map[string]any{}
	}
	argBytes, err := json.Marshal(args)
	if err != nil {
		return &SchemaError{Tool: tool.Name, Details: "arguments not representable as JSON: " + err.Error()}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewBytesLoader(argBytes),
	)
	if err != nil {
		return &SchemaError{Tool: tool.Name, Details: "schema compilation failed: " + err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &SchemaError{Tool: tool.Name, Details: strings.Join(details, "; ")}
	}
	return nil
}

func parseToolResult(raw json.RawMessage) (text string, isError bool, err error) {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Data string `json:"data"`
			MIME string `json:"mimeType"`
		} `json:"content"`
		StructuredContent any  `json:"structuredContent"`
		IsError           bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("tools/call result: %w", err)
	}

	var parts []string
	for _, content := range parsed.Content {
		switch content.Type {
		case "text":
			parts = append(parts, content.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes]", content.MIME, len(content.Data)))
		}
	}
	if parsed.StructuredContent != nil {
		if data, merr := json.MarshalIndent(parsed.StructuredContent, "", "  "); merr == nil {
			parts = append(parts, string(data))
		}
	}
	if len(parts) == 0 {
		return "(no content)", parsed.IsError, nil
	}
	return strings.Join(parts, "\n"), parsed.IsError, nil
}
