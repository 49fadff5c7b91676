package tokenutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"
)

const defaultRemoteTimeout = 2 * time.Second

// RemoteCounter asks a provider for an exact token count.
type RemoteCounter interface {
	CountTokens(ctx context.Context, model, text string) (int, error)
}

// Registry is the Counter used by trackers. It resolves the model family
// from a ModelTable and dispatches to that family's scheme. A family whose
// exact scheme is unavailable degrades to its own chars ratio, never to
// another family's scheme.
type Registry struct {
	table         *ModelTable
	remote        RemoteCounter
	remoteTimeout time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
	warned map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRemote sets the counter used by the anthropic scheme.
func WithRemote(rc RemoteCounter, timeout time.Duration) Option {
	return func(r *Registry) {
		r.remote = rc
		if timeout > 0 {
			r.remoteTimeout = timeout
		}
	}
}

// WithLogger sets the logger used for unknown-model and fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry builds a Registry over table.
func NewRegistry(table *ModelTable, opts ...Option) *Registry {
	r := &Registry{
		table:         table,
		remoteTimeout: defaultRemoteTimeout,
		logger:        slog.Default(),
		codecs:        make(map[string]tokenizer.Codec),
		warned:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Table returns the model table the registry resolves against.
func (r *Registry) Table() *ModelTable {
	return r.table
}

// Count implements Counter.
func (r *Registry) Count(ctx context.Context, text, model string) Result {
	fam, ok := r.table.Lookup(model)
	if !ok {
		r.warnOnce("unknown:"+model, "unknown model, using conservative estimate",
			"model", model, "chars_per_token", r.table.ConservativeRatio())
		return Result{
			Tokens:    EstimateChars(text, r.table.ConservativeRatio()),
			Estimated: true,
			Scheme:    SchemeChars,
		}
	}
	if text == "" {
		return Result{Scheme: fam.Scheme}
	}

	switch fam.Scheme {
	case SchemeBPE:
		n, err := r.countBPE(fam.Encoding, text)
		if err == nil {
			return Result{Tokens: n, Scheme: SchemeBPE}
		}
		r.warnOnce("bpe:"+fam.Encoding, "bpe encoding unavailable, estimating",
			"encoding", fam.Encoding, "error", err)
	case SchemeAnthropic:
		if r.remote != nil {
			n, err := r.countRemote(ctx, model, text)
			if err == nil {
				return Result{Tokens: n, Scheme: SchemeAnthropic}
			}
			r.logger.Debug("remote token count failed, estimating", "model", model, "error", err)
		}
	case SchemeWords:
		return Result{Tokens: EstimateTokens(text), Estimated: true, Scheme: SchemeWords}
	}
	return Result{Tokens: EstimateChars(text, fam.ratio()), Estimated: true, Scheme: SchemeChars}
}

func (r *Registry) countBPE(encoding, text string) (int, error) {
	r.mu.Lock()
	codec, ok := r.codecs[encoding]
	if !ok {
		var err error
		codec, err = tokenizer.Get(tokenizer.Encoding(encoding))
		if err != nil {
			r.mu.Unlock()
			return 0, fmt.Errorf("load encoding %s: %w", encoding, err)
		}
		r.codecs[encoding] = codec
	}
	r.mu.Unlock()

	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode: %w", err)
	}
	return len(ids), nil
}

func (r *Registry) countRemote(ctx context.Context, model, text string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()
	return r.remote.CountTokens(ctx, model, text)
}

func (r *Registry) warnOnce(key, msg string, args ...any) {
	r.mu.Lock()
	seen := r.warned[key]
	r.warned[key] = true
	r.mu.Unlock()
	if !seen {
		r.logger.Warn(msg, args...)
	}
}
