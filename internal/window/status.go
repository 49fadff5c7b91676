package window

// Status is a point-in-time view of a tracker's budget.
type Status struct {
	SessionID   string
	Model       string
	TotalTokens int
	MaxTokens   int
	// UsagePercent is TotalTokens/MaxTokens as a fraction: 0.8 means 80%.
	UsagePercent float64

	SystemTokens  int
	MessageTokens int // user, assistant and summary items
	ToolTokens    int
	KindTokens    map[Kind]int

	ItemCount      int
	PinnedTokens   int
	EstimatedItems int

	// Full is set once usage reaches the budget. Nothing is rejected.
	Full bool
}

// Remaining returns the tokens left before the budget, never negative.
func (s Status) Remaining() int {
	if s.TotalTokens >= s.MaxTokens {
		return 0
	}
	return s.MaxTokens - s.TotalTokens
}

// Above reports whether usage is strictly above the given fraction.
func (s Status) Above(threshold float64) bool {
	return s.UsagePercent > threshold
}
