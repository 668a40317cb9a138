package llm

import "time"

// LLM request constants
const (
	// Low temperature keeps merges reproducible
	Temperature = 0.1

	CleanupMaxTokens = 5000
	SummaryMaxTokens = 1000

	DefaultTimeout = 30 * time.Second

	// Number of keywords a summary must carry
	SummaryKeywordCount = 5
)
