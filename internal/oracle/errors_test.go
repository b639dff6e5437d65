package oracle

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ErrorClassUnknown},
		{ErrNotConfigured, ErrorClassUnavailable},
		{fmt.Errorf("wrapped: %w", ErrNotConfigured), ErrorClassUnavailable},
		{errors.New("401 Unauthorized"), ErrorClassAuth},
		{errors.New("invalid api key"), ErrorClassAuth},
		{errors.New("429 rate limit exceeded"), ErrorClassRateLimit},
		{errors.New("quota exhausted for project"), ErrorClassRateLimit},
		{errors.New("context deadline exceeded"), ErrorClassTimeout},
		{errors.New("request timed out"), ErrorClassTimeout},
		{errors.New("dial tcp: connection refused"), ErrorClassUnavailable},
		{errors.New("503 service unavailable"), ErrorClassUnavailable},
		{errors.New("maximum context window reached"), ErrorClassContextWindow},
		{errors.New("something else entirely"), ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestTranscriptToMessagesSkipsEmptyTurns(t *testing.T) {
	msgs := transcriptToMessages([]Turn{
		{Role: RoleUser, Text: ""},
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant},
		{Role: RoleTool},
	})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestRawToAny(t *testing.T) {
	if v, ok := rawToAny([]byte(`{"a":1}`)).(map[string]any); !ok || v["a"] != float64(1) {
		t.Fatalf("object decode failed: %#v", v)
	}
	if v := rawToAny(nil); v == nil {
		t.Fatal("nil raw should decode to empty object")
	}
	if v, ok := rawToAny([]byte(`not json`)).(string); !ok || v != "not json" {
		t.Fatalf("invalid JSON should pass through as string, got %#v", v)
	}
}
