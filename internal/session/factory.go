package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/ctxwin/internal/compact"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/tokenutil"
)

const defaultAnthropicSummaryModel = "claude-3-5-haiku-latest"

// NewCounter builds the token counter registry for cfg. Families using the
// anthropic scheme count remotely when an Anthropic key is configured and
// fall back to their chars ratio otherwise.
func NewCounter(cfg config.Config, logger *slog.Logger) (*tokenutil.Registry, error) {
	table, err := cfg.ModelTable()
	if err != nil {
		return nil, err
	}
	opts := []tokenutil.Option{tokenutil.WithLogger(logger)}
	if key := cfg.ProviderAPIKey("anthropic"); key != "" {
		client := newAnthropicClient(key, cfg.ProviderBaseURL("anthropic"))
		opts = append(opts, tokenutil.WithRemote(tokenutil.NewAnthropicCounter(&client), cfg.RemoteCountTimeout()))
	}
	return tokenutil.NewRegistry(table, opts...), nil
}

// NewSummarizer builds the summarizer named by cfg.Compaction.Summarizer.
func NewSummarizer(ctx context.Context, cfg config.Config) (compact.Summarizer, error) {
	switch cfg.Compaction.Summarizer {
	case "", "static":
		return compact.StaticSummarizer{}, nil
	case "anthropic":
		key := cfg.ProviderAPIKey("anthropic")
		if key == "" {
			return nil, fmt.Errorf("anthropic summarizer: ANTHROPIC_API_KEY not set")
		}
		model := cfg.Compaction.Model
		if cfg.Compaction.Provider != "anthropic" || model == "" {
			model = defaultAnthropicSummaryModel
		}
		client := newAnthropicClient(key, cfg.ProviderBaseURL("anthropic"))
		return compact.NewAnthropicSummarizer(&client, model, 0), nil
	case "genkit":
		provider := cfg.Compaction.Provider
		return compact.NewGenkitSummarizer(ctx, compact.GenkitConfig{
			Provider: provider,
			Model:    cfg.Compaction.Model,
			APIKey:   cfg.ProviderAPIKey(provider),
			BaseURL:  cfg.ProviderBaseURL(provider),
		})
	default:
		return nil, fmt.Errorf("unknown summarizer %q", cfg.Compaction.Summarizer)
	}
}

func newAnthropicClient(apiKey, baseURL string) anthropic.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return anthropic.NewClient(opts...)
}

// tracedSummarizer runs each summarizer call inside a client span.
type tracedSummarizer struct {
	next   compact.Summarizer
	tracer trace.Tracer
}

func (t tracedSummarizer) Name() string {
	if n, ok := t.next.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", t.next)
}

func (t tracedSummarizer) Summarize(ctx context.Context, req compact.SummaryRequest) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, t.tracer, "ctxwin.summarize",
		otel.AttrSessionID.String(req.SessionID),
		otel.AttrSummarizer.String(t.Name()),
		otel.AttrItemCount.Int(req.ItemCount),
		otel.AttrTokensBefore.Int(req.OriginalTokens),
	)
	defer span.End()
	out, err := t.next.Summarize(ctx, req)
	otel.MarkError(span, err, string(compact.ClassifyError(err)))
	return out, err
}
