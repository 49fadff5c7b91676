package bus

// Context window event topics. Subscribe to "context." for all of them.
const (
	TopicItemAdded      = "context.item_added"
	TopicItemRemoved    = "context.item_removed"
	TopicPruned         = "context.pruned"
	TopicCompacted      = "context.compacted"
	TopicCompactFailed  = "context.compact_failed"
	TopicDriftCorrected = "context.drift_corrected"
	TopicSessionClosed  = "context.session_closed"
)

// ItemAddedEvent is published after an item is appended.
type ItemAddedEvent struct {
	SessionID    string
	ItemID       uint64
	Kind         string
	Tokens       int
	Estimated    bool
	TotalTokens  int
	UsagePercent float64
}

// ItemRemovedEvent is published after a single item is removed by id.
type ItemRemovedEvent struct {
	SessionID   string
	ItemID      uint64
	Tokens      int
	TotalTokens int
}

// PrunedEvent is published when a prune strategy removed at least one item.
type PrunedEvent struct {
	SessionID     string
	Strategy      string
	ItemsRemoved  []uint64
	TokensFreed   int
	TokensAfter   int
	TargetReached bool
}

// CompactedEvent is published when a span was replaced by a summary.
type CompactedEvent struct {
	SessionID        string
	SummaryID        uint64
	ItemsCompacted   []uint64
	OriginalTokens   int
	SummaryTokens    int
	CompressionRatio float64
}

// CompactFailedEvent is published when compaction left the window unchanged
// because of an error.
type CompactFailedEvent struct {
	SessionID  string
	Error      string
	ErrorClass string
	Retryable  bool
}

// DriftCorrectedEvent is published when Recompute found the running total
// out of step with the items.
type DriftCorrectedEvent struct {
	SessionID string
	Drift     int
}

// SessionClosedEvent is published when a session tracker is closed.
type SessionClosedEvent struct {
	SessionID   string
	TotalTokens int
	ItemCount   int
}

func (e ItemAddedEvent) Session() string      { return e.SessionID }
func (e ItemRemovedEvent) Session() string    { return e.SessionID }
func (e PrunedEvent) Session() string         { return e.SessionID }
func (e CompactedEvent) Session() string      { return e.SessionID }
func (e CompactFailedEvent) Session() string  { return e.SessionID }
func (e DriftCorrectedEvent) Session() string { return e.SessionID }
func (e SessionClosedEvent) Session() string  { return e.SessionID }
