package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/toolhub/agent"
	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/llm"
	"github.com/m4xw311/toolhub/permission"
	"github.com/m4xw311/toolhub/session"
	"github.com/m4xw311/toolhub/store"
	"github.com/m4xw311/toolhub/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 5 * time.Second

// clickThenAnswer calls nav.click once, then reports the tool output.
type clickThenAnswer struct{}

func (clickThenAnswer) Name() string { return "click" }

func (clickThenAnswer) SendMessage(_ context.Context, history []session.Message, _ []tools.Descriptor, _ string, onEvent func(llm.Event)) {
	onEvent(llm.MessageStart{})
	if last := history[len(history)-1]; last.Role == session.RoleTool {
		onEvent(llm.MessageComplete{Text: "tool said " + last.Content})
		return
	}
	onEvent(llm.ToolUse{Call: session.ToolCall{ID: "call_1", Name: "nav.click", Input: map[string]any{"selector": "#ok"}}})
}

func newRuntime(p llm.Provider) *agent.Runtime {
	kv := store.NewMemory()
	return agent.NewRuntime(
		tools.NewRegistry(nil),
		permission.NewEngine(kv, config.DefaultDomainAwareTools, nil),
		kv, zap.NewNop(), agent.Options{PermissionTimeout: waitFor},
		agent.WithProviderFactory(func(_ context.Context, cfg llm.Config, _ *zap.Logger) (llm.Provider, error) {
			if cfg.Provider == "broken" {
				return nil, errors.New("unsupported provider %q", cfg.Provider)
			}
			return p, nil
		}),
	)
}

type client struct {
	t      *testing.T
	w      *io.PipeWriter
	frames chan message
	nextID int
}

// connect serves one line-framed connection and returns its client end.
func connect(t *testing.T, s *Server) (*client, <-chan error) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- s.ServeConn(context.Background(), NewLineTransport(inR, outW)) }()

	c := &client{t: t, w: inW, frames: make(chan message, 64)}
	go func() {
		defer close(c.frames)
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var m message
			if err := json.Unmarshal(scanner.Bytes(), &m); err == nil {
				c.frames <- m
			}
		}
	}()
	t.Cleanup(func() { _ = inW.Close() })
	return c, done
}

func (c *client) writeRaw(s string) {
	_, err := io.WriteString(c.w, s+"\n")
	require.NoError(c.t, err)
}

func (c *client) send(method string, params any) string {
	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": c.nextID, "method": method, "params": params})
	require.NoError(c.t, err)
	c.writeRaw(string(data))
	return id
}

func (c *client) respond(id json.RawMessage, result any) {
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	require.NoError(c.t, err)
	c.writeRaw(string(data))
}

func (c *client) next() message {
	c.t.Helper()
	select {
	case m, ok := <-c.frames:
		require.True(c.t, ok, "connection closed")
		return m
	case <-time.After(waitFor):
		c.t.Fatal("timed out waiting for a frame")
		return message{}
	}
}

// await reads frames until the response to id, returning it together with
// the notifications and server requests seen on the way.
func (c *client) await(id string) (message, []message) {
	c.t.Helper()
	var seen []message
	for {
		m := c.next()
		if m.Method == "" && string(m.ID) == id {
			return m, seen
		}
		seen = append(seen, m)
	}
}

func (c *client) call(method string, params any) message {
	c.t.Helper()
	resp, _ := c.await(c.send(method, params))
	return resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func eventTypes(t *testing.T, frames []message) []string {
	var out []string
	for _, f := range frames {
		if f.Method == methodAgentEvent {
			out = append(out, decode[agentEvent](t, f.Params).Event.Type)
		}
	}
	return out
}

func TestRegisterGetAndUnregisterTools(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)

	resp := c.call(methodRegisterTools, registerToolsParams{OwnerID: "ext", Tools: []tools.Descriptor{
		{Name: "nav.click", Description: "Click an element"},
		{Name: "tab.open", Description: "Open a tab"},
	}})
	require.Nil(t, resp.Error)

	resp = c.call(methodGetTools, nil)
	got := decode[struct {
		Tools []tools.Registration `json:"tools"`
	}](t, resp.Result)
	require.Len(t, got.Tools, 2)
	assert.Equal(t, "ext", got.Tools[0].OwnerID)
	assert.Equal(t, "nav.click", got.Tools[0].Descriptor.Name)

	resp = c.call(methodUnregisterTools, ownerParams{OwnerID: "ext"})
	assert.JSONEq(t, `{"removed":2}`, string(resp.Result))

	resp = c.call(methodRegisterTools, registerToolsParams{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestExecutePromptStreamsEventsThenCompletes(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)

	resp := c.call(methodInitAgent, llm.Config{Provider: "mock", Model: "echo"})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"provider":"mock","model":"echo"}`, string(resp.Result))

	resp, seen := c.await(c.send(methodExecutePrompt, executePromptParams{Prompt: "hello"}))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"conversationId":"default","status":"complete"}`, string(resp.Result))
	assert.Equal(t, []string{llm.TypeMessageStart, llm.TypeMessageUpdate, llm.TypeMessageComplete}, eventTypes(t, seen))
}

func TestExecutePromptWithoutProviderFails(t *testing.T) {
	s := New(newRuntime(nil), nil, Options{})
	c, _ := connect(t, s)

	resp := c.call(methodExecutePrompt, executePromptParams{Prompt: "hello"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ErrNoProvider.Error(), resp.Error.Message)

	resp = c.call(methodExecutePrompt, executePromptParams{Prompt: "  "})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = c.call(methodInitAgent, llm.Config{Provider: "broken"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeAppError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, `unsupported provider "broken"`)
}

func TestRemoteToolWithPermissionPrompt(t *testing.T) {
	rt := newRuntime(clickThenAnswer{})
	s := New(rt, nil, Options{})
	c, _ := connect(t, s)

	require.Nil(t, c.call(methodInitAgent, llm.Config{Provider: "click"}).Error)
	require.Nil(t, c.call(methodRegisterTools, registerToolsParams{OwnerID: "page", Tools: []tools.Descriptor{{Name: "nav.click"}}}).Error)

	promptID := c.send(methodExecutePrompt, executePromptParams{
		Prompt:  "press ok",
		Context: tools.Context{URL: "https://app.example.com/form", TabID: 4},
	})

	// The permission request comes first.
	var req agent.PermissionRequest
	for req.RequestID == "" {
		m := c.next()
		if m.Method == methodPermissionRequest {
			req = decode[agent.PermissionRequest](t, m.Params)
		}
	}
	assert.Equal(t, "nav.click", req.ToolName)
	assert.Equal(t, "app.example.com", req.Domain)
	assert.Equal(t, 4, req.Context.TabID)
	c.send(methodPermissionResponse, permissionResponseParams{RequestID: req.RequestID, Granted: true, Remember: true, Scope: permission.ScopeDomain})

	// Then the tool runs on this connection.
	var exec message
	for exec.Method != methodExecuteTool {
		exec = c.next()
	}
	params := decode[executeToolParams](t, exec.Params)
	assert.Equal(t, "page", params.OwnerID)
	assert.Equal(t, "call_1", params.Call.ID)
	assert.Equal(t, "https://app.example.com/form", params.Context.URL)
	c.respond(exec.ID, tools.TextResult("clicked"))

	resp, seen := c.await(promptID)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{llm.TypeToolResult, llm.TypeMessageStart, llm.TypeMessageComplete}, eventTypes(t, seen))

	var final agentEvent
	for _, f := range seen {
		if f.Method == methodAgentEvent {
			final = decode[agentEvent](t, f.Params)
		}
	}
	assert.Equal(t, "tool said clicked", final.Event.Text)

	perms := decode[struct {
		Permissions []permission.Record `json:"permissions"`
	}](t, c.call(methodGetPermissions, nil).Result)
	assert.Equal(t, []permission.Record{{ToolName: "nav.click", Domain: "app.example.com", Decision: permission.AlwaysAllow}}, perms.Permissions)

	resp = c.call(methodRevokePermission, revokeParams{ToolName: "nav.click", Domain: "app.example.com"})
	require.Nil(t, resp.Error)
	perms = decode[struct {
		Permissions []permission.Record `json:"permissions"`
	}](t, c.call(methodGetPermissions, nil).Result)
	assert.Empty(t, perms.Permissions)
}

func TestStaleAndDuplicatePermissionResponses(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)

	req := s.rt.Approvals.Create("nav.click", waitFor)
	resp := c.call(methodPermissionResponse, permissionResponseParams{RequestID: req.ID, Granted: true})
	assert.JSONEq(t, `{"accepted":true}`, string(resp.Result))
	resp = c.call(methodPermissionResponse, permissionResponseParams{RequestID: req.ID, Granted: false})
	assert.JSONEq(t, `{"accepted":false}`, string(resp.Result))

	a, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Granted)
}

func TestOwnerErrorBecomesToolError(t *testing.T) {
	rt := newRuntime(clickThenAnswer{})
	s := New(rt, nil, Options{})
	c, _ := connect(t, s)

	require.Nil(t, c.call(methodInitAgent, llm.Config{Provider: "click"}).Error)
	require.Nil(t, c.call(methodRegisterTools, registerToolsParams{OwnerID: "page", Tools: []tools.Descriptor{{Name: "nav.click"}}}).Error)
	require.Nil(t, c.call(methodSetAutoApprove, autoApproveParams{Enabled: true}).Error)

	promptID := c.send(methodExecutePrompt, executePromptParams{Prompt: "press ok"})
	var exec message
	for exec.Method != methodExecuteTool {
		exec = c.next()
	}
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": exec.ID, "error": map[string]any{"code": 1, "message": "element not found"}})
	require.NoError(t, err)
	c.writeRaw(string(data))

	resp, _ := c.await(promptID)
	require.Nil(t, resp.Error)
	h := rt.Conversation(defaultConversation).History()
	require.Len(t, h, 4)
	assert.Equal(t, "Error executing nav.click: element not found", h[2].Content)
	assert.True(t, h[2].IsError)
}

func TestAutoApproveRoundTrip(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)

	assert.JSONEq(t, `{"enabled":false}`, string(c.call(methodGetAutoApprove, nil).Result))
	assert.JSONEq(t, `{"enabled":true}`, string(c.call(methodSetAutoApprove, autoApproveParams{Enabled: true}).Result))
	assert.JSONEq(t, `{"enabled":true}`, string(c.call(methodGetAutoApprove, nil).Result))
}

func TestProtocolErrors(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)

	c.writeRaw("{not json")
	m := c.next()
	require.NotNil(t, m.Error)
	assert.Equal(t, codeParseError, m.Error.Code)

	resp := c.call("no_such_method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestSubscribeMakesSurface(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	c, _ := connect(t, s)
	other, _ := connect(t, s)

	// Nobody has subscribed yet.
	assert.Zero(t, s.RequestPermission(agent.PermissionRequest{RequestID: "r0", ToolName: "x"}))

	require.Nil(t, c.call(methodSubscribe, nil).Error)
	require.Nil(t, other.call(methodGetTools, nil).Error)
	assert.Equal(t, 1, s.RequestPermission(agent.PermissionRequest{RequestID: "r1", ToolName: "x"}))

	m := c.next()
	assert.Equal(t, methodPermissionRequest, m.Method)
	assert.Equal(t, "r1", decode[agent.PermissionRequest](t, m.Params).RequestID)
}

func TestDisconnectUnregistersOwnerTools(t *testing.T) {
	rt := newRuntime(llm.NewMock())
	s := New(rt, nil, Options{})
	c, done := connect(t, s)

	require.Nil(t, c.call(methodRegisterTools, registerToolsParams{OwnerID: "ext", Tools: []tools.Descriptor{{Name: "tab.open"}}}).Error)
	assert.Len(t, rt.Registry.Catalog(), 1)

	require.NoError(t, c.w.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connection did not close")
	}
	assert.Empty(t, rt.Registry.Catalog())
	assert.Zero(t, s.connCount())
}

func TestReconnectedOwnerKeepsToolsWhenOldConnectionCloses(t *testing.T) {
	rt := newRuntime(llm.NewMock())
	s := New(rt, nil, Options{})
	old, oldDone := connect(t, s)
	fresh, _ := connect(t, s)

	params := registerToolsParams{OwnerID: "ext", Tools: []tools.Descriptor{{Name: "tab.open"}}}
	require.Nil(t, old.call(methodRegisterTools, params).Error)
	require.Nil(t, fresh.call(methodRegisterTools, params).Error)

	require.NoError(t, old.w.Close())
	select {
	case err := <-oldDone:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("connection did not close")
	}

	reg, ok := rt.Registry.Lookup("tab.open")
	require.True(t, ok)
	assert.Equal(t, "ext", reg.OwnerID)
	assert.Len(t, rt.Registry.Catalog(), 1)
}

func TestWebSocketTransport(t *testing.T) {
	s := New(newRuntime(llm.NewMock()), nil, Options{})
	srv := httptest.NewServer(s.Handler(context.Background()))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": methodInitAgent, "params": map[string]any{"provider": "mock"}}))
	var m message
	require.NoError(t, ws.ReadJSON(&m))
	assert.Equal(t, "1", string(m.ID))
	assert.Nil(t, m.Error)

	var events int32
	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 2, "method": methodExecutePrompt, "params": map[string]any{"prompt": "hi"}}))
	for {
		var f message
		require.NoError(t, ws.ReadJSON(&f))
		if f.Method == methodAgentEvent {
			atomic.AddInt32(&events, 1)
			continue
		}
		assert.Equal(t, "2", string(f.ID))
		assert.Nil(t, f.Error)
		break
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&events))
}
