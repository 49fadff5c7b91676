package compact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitSummarizer summarizes through a genkit model.
type GenkitSummarizer struct {
	g         *genkit.Genkit
	modelName string
}

// GenkitConfig selects the provider and model used for summaries.
type GenkitConfig struct {
	Provider string // "google", "anthropic" or "openai"
	Model    string
	APIKey   string
	BaseURL  string
}

// NewGenkitSummarizer initializes genkit with the plugin for cfg.Provider.
func NewGenkitSummarizer(ctx context.Context, cfg GenkitConfig) (*GenkitSummarizer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("genkit summarizer: model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genkit summarizer: %s API key missing", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "google", "":
		provider = "google"
		_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("genkit summarizer: unknown provider %q", cfg.Provider)
	}
	slog.Info("genkit summarizer initialized", "provider", provider, "model", model)
	return &GenkitSummarizer{g: g, modelName: modelNameForProvider(provider, model)}, nil
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}

func (s *GenkitSummarizer) Name() string { return "genkit:" + s.modelName }

// Summarize implements Summarizer.
func (s *GenkitSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(ai.NewUserTextMessage(BuildPrompt(req))),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("genkit generate: empty response")
	}
	return text, nil
}
