package accum

// Accumulation defaults, tunable via configuration
const (
	DefaultSimilarityThreshold = 0.85
	DefaultComparisonWindow    = 30
)
