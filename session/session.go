package session

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/m4xw311/toolhub/errors"
	"github.com/natefinch/atomic"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one invocation requested by the model during a turn.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Message is one entry of the conversation history. An assistant message that
// carries ToolCalls has empty Content. A tool message answers exactly one
// earlier call and carries its ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolCallMessage(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: append([]ToolCall(nil), calls...)}
}

func ToolResultMessage(call ToolCall, text string, isError bool) Message {
	return Message{Role: RoleTool, Content: text, ToolCallID: call.ID, ToolName: call.Name, IsError: isError}
}

// Session is an append-only conversation history. It is safe for concurrent
// use; readers get copies.
type Session struct {
	Name string

	mu       sync.RWMutex
	messages []Message
	path     string
}

type snapshot struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
}

// New creates an in-memory session.
func New(name string) *Session {
	return &Session{Name: name}
}

// Open creates an empty session that Save persists under dir.
func Open(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Session{Name: name, path: path}, nil
}

// Load loads an existing session from disk.
func Load(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	return &Session{Name: snap.Name, messages: snap.Messages, path: path}, nil
}

// Persistent reports whether Save has a file to write to.
func (s *Session) Persistent() bool { return s.path != "" }

// Save writes the current session state to disk.
func (s *Session) Save() error {
	if s.path == "" {
		return errors.New("session %q has no backing file", s.Name)
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(snapshot{Name: s.Name, Messages: s.messages}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "could not write session file %s", s.path)
	}
	return nil
}

// Append adds messages to the end of the history as one step.
func (s *Session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func sessionPath(dir, name string) (string, error) {
	sessionDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(sessionDir, name+".json"), nil
}
