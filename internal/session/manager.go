package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/compact"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/prune"
	"github.com/basket/ctxwin/internal/tokenutil"
	"github.com/basket/ctxwin/internal/window"
)

// Options holds the manager's collaborators. Only Config is required.
type Options struct {
	Config config.Config

	// Counter and Summarizer replace the ones built from Config. They are
	// kept across config reloads.
	Counter    tokenutil.Counter
	Summarizer compact.Summarizer

	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Journal *audit.Journal
	Logger  *slog.Logger

	// Now overrides the tracker clock, mostly for tests.
	Now func() time.Time
}

// settings is everything derived from one config. New sessions capture the
// current settings; existing sessions keep the ones they started with.
type settings struct {
	cfg       config.Config
	table     *tokenutil.ModelTable
	counter   tokenutil.Counter
	compactor *compact.Compactor
	policy    policy
}

// Manager owns the live sessions.
type Manager struct {
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     trace.Tracer
	journal    *audit.Journal
	logger     *slog.Logger
	now        func() time.Time
	counter    tokenutil.Counter
	summarizer compact.Summarizer
	pruner     *prune.Pruner

	mu       sync.RWMutex
	settings *settings
	sessions map[string]*Session
	shutdown bool
}

// NewManager builds the counter, summarizer and compactor from opts.Config.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	m := &Manager{
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		tracer:     tracer,
		journal:    opts.Journal,
		logger:     logger,
		now:        opts.Now,
		counter:    opts.Counter,
		summarizer: opts.Summarizer,
		pruner:     prune.New(logger),
		sessions:   make(map[string]*Session),
	}
	st, err := m.buildSettings(ctx, opts.Config)
	if err != nil {
		return nil, err
	}
	m.settings = st
	return m, nil
}

func (m *Manager) buildSettings(ctx context.Context, cfg config.Config) (*settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	table, err := cfg.ModelTable()
	if err != nil {
		return nil, err
	}

	counter := m.counter
	if counter == nil {
		reg, err := NewCounter(cfg, m.logger)
		if err != nil {
			return nil, err
		}
		counter = reg
	}

	summarizer := m.summarizer
	if summarizer == nil {
		summarizer, err = NewSummarizer(ctx, cfg)
		if err != nil {
			m.logger.Warn("summarizer unavailable, using static summaries",
				"summarizer", cfg.Compaction.Summarizer, "error", err)
			summarizer = compact.StaticSummarizer{}
		}
	}

	compactor := compact.New(tracedSummarizer{next: summarizer, tracer: m.tracer}, compact.Options{
		MinSpanTokens: cfg.Compaction.MinSpanTokens,
		Timeout:       cfg.CompactTimeout(),
		TargetRatio:   cfg.Compaction.TargetRatio,
		KeepRecent:    cfg.Compaction.KeepRecent,
	}, m.logger)

	return &settings{
		cfg:       cfg,
		table:     table,
		counter:   counter,
		compactor: compactor,
		policy: policy{
			pruneThreshold:   cfg.Pruning.Threshold,
			compactThreshold: cfg.Compaction.Threshold,
			prune: prune.Options{
				KeepRecent:    cfg.Pruning.KeepRecent,
				MaxAge:        cfg.MaxAge(),
				MinImportance: cfg.Pruning.MinImportance,
			},
		},
	}, nil
}

// Config returns the configuration new sessions are created with.
func (m *Manager) Config() config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.cfg
}

// ModelTable returns the table new sessions take their budget from.
func (m *Manager) ModelTable() *tokenutil.ModelTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.table
}

// ApplyConfig swaps in cfg for sessions created from now on. On error the
// previous settings stay in effect.
func (m *Manager) ApplyConfig(ctx context.Context, cfg config.Config) error {
	st, err := m.buildSettings(ctx, cfg)
	if err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	m.mu.Lock()
	prev := m.settings.cfg.Fingerprint()
	m.settings = st
	m.mu.Unlock()
	m.logger.Info("config applied",
		"previous", prev,
		"fingerprint", cfg.Fingerprint(),
		"prune_threshold", cfg.Pruning.Threshold,
		"compact_threshold", cfg.Compaction.Threshold,
	)
	return nil
}

// Reload reads config.yaml again from the current home directory.
func (m *Manager) Reload(ctx context.Context) error {
	home := m.Config().HomeDir
	if home == "" {
		return fmt.Errorf("reload config: no home directory")
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	return m.ApplyConfig(ctx, cfg)
}

// WatchConfig reloads on every event from w until ctx is done or w closes
// its channel. Reload errors are logged and the old settings are kept.
func (m *Manager) WatchConfig(ctx context.Context, w *config.Watcher) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				if err := m.Reload(ctx); err != nil {
					m.logger.Error("config reload failed", "path", ev.Path, "error", err)
				}
			}
		}
	}()
}

// CreateTracker starts a session. An empty sessionID gets a random UUID and
// an empty model the configured default. The budget comes from the model
// table; unknown models get tokenutil.DefaultMaxTokens.
func (m *Manager) CreateTracker(sessionID, model string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrClosed
	}
	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	st := m.settings
	if model == "" {
		model = st.cfg.DefaultModel
	}
	maxTokens, known := st.table.MaxTokens(model)
	tracker, err := window.New(window.Config{
		SessionID: sessionID,
		Model:     model,
		MaxTokens: maxTokens,
		Counter:   st.counter,
		Now:       m.now,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        sessionID,
		tracker:   tracker,
		pruner:    m.pruner,
		compactor: st.compactor,
		policy:    st.policy,
		createdAt: time.Now(),
		bus:       m.bus,
		metrics:   m.metrics,
		tracer:    m.tracer,
		journal:   m.journal,
		logger:    m.logger.With("session_id", sessionID),
	}
	s.start()
	m.sessions[sessionID] = s

	m.metrics.SessionOpened(context.Background())
	if !known {
		m.logger.Warn("unknown model, using default budget", "session_id", sessionID, "model", model, "max_tokens", maxTokens)
	}
	m.logger.Info("session created", "session_id", sessionID, "model", model, "max_tokens", maxTokens)
	return s, nil
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close stops a session after its queued requests finished and drops its
// tracker. It reports false for unknown ids.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeSession(s)
	return true
}

func (m *Manager) closeSession(s *Session) {
	if !s.close() {
		return
	}
	st := s.tracker.Status()
	m.metrics.SessionClosed(context.Background())
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionClosed, bus.SessionClosedEvent{
			SessionID:   s.id,
			TotalTokens: st.TotalTokens,
			ItemCount:   st.ItemCount,
		})
	}
	m.logger.Info("session closed", "session_id", s.id, "total_tokens", st.TotalTokens, "items", st.ItemCount)
}

// Sessions returns the ids of live sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecomputeAll runs Recompute on every live session and returns how many
// were checked and how many had drifted.
func (m *Manager) RecomputeAll(ctx context.Context) (checked, corrected int) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		drift, err := s.Recompute(ctx)
		if err != nil {
			continue
		}
		checked++
		if drift != 0 {
			corrected++
		}
	}
	return checked, corrected
}

// Shutdown closes every session. Later CreateTracker calls fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		m.closeSession(s)
	}
}
