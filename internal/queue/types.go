package queue

import "time"

// Config holds the Queue Manager's tunables, bound from the layered
// configuration system (viper) by internal/appconfig.
type Config struct {
	MaxConcurrent int
	MaxSegments   int
	RetryAttempts int
	RetryDelay    time.Duration
	RequestDelay  time.Duration
	EnableResume  bool
	ScratchDir    string
	ExtractorPath string
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		MaxSegments:   16,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
		RequestDelay:  100 * time.Millisecond,
		EnableResume:  true,
	}
}
