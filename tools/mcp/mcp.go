// Package mcp registers the tools of Model Context Protocol servers with the
// hub. Each server is one owner; its tools are exposed as "<server>.<tool>".
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Session is the part of an MCP client session the owner uses.
type Session interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name   string
	cmd    *exec.Cmd
	conn   Session
	logger *zap.Logger

	mu    sync.RWMutex
	tools map[string]string // qualified name -> server tool name
}

// Start launches the MCP server subprocess and connects to it.
func Start(ctx context.Context, server config.MCPServer, logger *zap.Logger) (*Client, error) {
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Stderr = os.Stderr
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "toolhub", Version: "v1.0.0"}, nil)
	conn, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	c := NewClient(server.Name, conn, logger)
	c.cmd = cmd
	return c, nil
}

// NewClient wraps an already connected session.
func NewClient(name string, conn Session, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{Name: name, conn: conn, logger: logger, tools: make(map[string]string)}
}

// OwnerID is the registry owner id of this server.
func (c *Client) OwnerID() string { return "mcp:" + c.Name }

// Descriptors lists the server's tools, following pagination.
func (c *Client) Descriptors(ctx context.Context) ([]tools.Descriptor, error) {
	var descs []tools.Descriptor
	names := make(map[string]string)
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := c.conn.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.Name)
		}
		for _, t := range list.Tools {
			qualified := c.Name + "." + t.Name
			names[qualified] = t.Name
			descs = append(descs, tools.Descriptor{
				Name:            qualified,
				Label:           t.Name,
				Description:     t.Description,
				ParameterSchema: schemaMap(t.InputSchema),
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	c.mu.Lock()
	c.tools = names
	c.mu.Unlock()
	c.logger.Info("initialized MCP client", zap.String("server", c.Name), zap.Int("tools", len(descs)))
	return descs, nil
}

// Execute forwards the call to the MCP server.
func (c *Client) Execute(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	c.mu.RLock()
	name, ok := c.tools[inv.Call.Name]
	c.mu.RUnlock()
	if !ok {
		name = strings.TrimPrefix(inv.Call.Name, c.Name+".")
	}

	args := inv.Call.Input
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return tools.Result{}, errors.Wrapf(err, "failed to call tool '%s'", inv.Call.Name)
	}

	out := tools.Result{}
	for _, content := range res.Content {
		switch v := content.(type) {
		case *mcpsdk.TextContent:
			out.Content = append(out.Content, tools.ContentBlock{Type: "text", Text: v.Text})
		case *mcpsdk.ImageContent:
			out.Content = append(out.Content, tools.ContentBlock{Type: "image", Data: base64.StdEncoding.EncodeToString(v.Data), MimeType: v.MIMEType})
		}
	}
	if res.IsError {
		out.Error = out.Text()
	}
	return out, nil
}

// Stop closes the session and terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", zap.String("server", c.Name))
		return c.cmd.Process.Kill()
	}
	return nil
}

// schemaMap turns the SDK's schema type into the generic form descriptors use.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
