// Package oracle abstracts the LLM behind a single-round chat call. The
// caller owns the tool loop: each Chat returns either final text or a set
// of proposed tool calls, and the caller feeds results back as tool turns
// on the next call.
package oracle

import (
	"context"
	"encoding/json"
)

// Role identifies who produced a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation proposed by the model. Args is the raw
// argument JSON exactly as the model produced it; nothing is validated
// here.
type ToolCall struct {
	Ref  string          `json:"ref,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult carries the outcome of an executed (or refused) tool call
// back to the model.
type ToolResult struct {
	Ref    string          `json:"ref,omitempty"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output"`
}

// Turn is one entry in the conversation transcript. User turns carry Text,
// assistant turns carry Text and/or Calls, tool turns carry Results.
type Turn struct {
	Role    Role
	Text    string
	Calls   []ToolCall
	Results []ToolResult
}

// ChatRequest is the full state for one model round: the system directive
// plus the transcript so far.
type ChatRequest struct {
	System string
	Turns  []Turn
}

// ChatResult is the model's reply. When Calls is non-empty the caller must
// execute them and continue the conversation; when empty, Text is final.
type ChatResult struct {
	Text  string
	Calls []ToolCall
}

// Oracle is a single-round chat interface over the configured LLM.
type Oracle interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}
