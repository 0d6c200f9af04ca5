package queue

import "time"

// Config holds worker pool configuration loaded from the environment.
type Config struct {
	PullInterval      time.Duration `env:"QUEUE_PULL_INTERVAL" envDefault:"1s"`
	LockTimeout       time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	MaxConcurrentJobs int           `env:"QUEUE_MAX_CONCURRENT_JOBS" envDefault:"5"`
}
