package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNotConfigured is returned by Chat when no provider API key was found
// at startup.
var ErrNotConfigured = errors.New("llm provider not configured")

// Config selects and authenticates the LLM provider.
type Config struct {
	// Provider is "google", "anthropic", "openai", or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string

	// Timeout bounds a single Chat call. Zero means no per-call deadline.
	Timeout time.Duration
}

// GenkitOracle is the Genkit-backed Oracle. Tool execution is disabled at
// the Genkit layer; proposed calls are returned to the caller unexecuted.
type GenkitOracle struct {
	g     *genkit.Genkit
	cfg   Config
	tools []ai.ToolRef
	llmOn bool
}

// NewGenkit initializes Genkit with the configured provider. A missing API
// key is not fatal at construction; Chat fails with ErrNotConfigured.
func NewGenkit(ctx context.Context, cfg Config) *GenkitOracle {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	cfg.Model = modelID

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			slog.Info("oracle initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; oracle is offline")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			slog.Info("oracle initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; oracle is offline")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
			slog.Info("oracle initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; oracle is offline")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("oracle initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; oracle is offline")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; oracle is offline", "provider", provider)
	}

	return &GenkitOracle{g: g, cfg: cfg, llmOn: llmOn}
}

// Genkit exposes the underlying instance for tool registration.
func (o *GenkitOracle) Genkit() *genkit.Genkit {
	return o.g
}

// SetTools installs the tool surface advertised on every Chat call.
func (o *GenkitOracle) SetTools(tools []ai.ToolRef) {
	o.tools = tools
}

// Ready reports whether a provider key was found.
func (o *GenkitOracle) Ready() bool {
	return o.llmOn
}

// Chat runs one model round. Proposed tool calls come back unexecuted.
func (o *GenkitOracle) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if !o.llmOn {
		return nil, ErrNotConfigured
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	msgs := transcriptToMessages(req.Turns)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(o.cfg.Provider, o.cfg.Model)),
		ai.WithMessages(msgs...),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % to avoid fmt corruption inside ai.WithSystem.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if len(o.tools) > 0 {
		opts = append(opts, ai.WithTools(o.tools...))
		opts = append(opts, ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, o.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	result := &ChatResult{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		args, err := json.Marshal(tr.Input)
		if err != nil {
			args = []byte("{}")
		}
		result.Calls = append(result.Calls, ToolCall{
			Ref:  tr.Ref,
			Name: tr.Name,
			Args: args,
		})
	}
	return result, nil
}

func transcriptToMessages(turns []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			if t.Text == "" {
				continue
			}
			msgs = append(msgs, ai.NewMessage(ai.RoleUser, nil, ai.NewTextPart(t.Text)))

		case RoleAssistant:
			var parts []*ai.Part
			if t.Text != "" {
				parts = append(parts, ai.NewTextPart(t.Text))
			}
			for _, c := range t.Calls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   c.Ref,
					Name:  c.Name,
					Input: rawToAny(c.Args),
				}))
			}
			if len(parts) == 0 {
				continue
			}
			msgs = append(msgs, ai.NewMessage(ai.RoleModel, nil, parts...))

		case RoleTool:
			var parts []*ai.Part
			for _, r := range t.Results {
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    r.Ref,
					Name:   r.Name,
					Output: rawToAny(r.Output),
				}))
			}
			if len(parts) == 0 {
				continue
			}
			msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, parts...))
		}
	}
	return msgs
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
