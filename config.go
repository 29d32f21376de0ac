package cat

import (
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config carries the coordinator's tuning knobs. Zero values are replaced
// with defaults by normalize; construct it through New with Options.
type Config struct {
	// AppName names this process in storage namespacing and logs.
	AppName string

	// Namespace suffixes backend storage (table name, directory) so that
	// several applications can share one backend. Defaults to AppName.
	Namespace string

	// RetryMax is the default recovery attempt ceiling for transactions
	// that do not set their own.
	RetryMax int

	// RecoverDelay is how long a transaction must sit untouched before
	// the recovery sweep considers it stuck.
	RecoverDelay time.Duration

	// LoadFactor multiplies RecoverDelay into the grace period during
	// which a provider-side transaction is left for the original caller's
	// own retry.
	LoadFactor int

	// ScheduledDelay is the fixed delay between recovery sweeps.
	ScheduledDelay time.Duration

	// ScheduledInitDelay postpones the first sweep after startup.
	ScheduledInitDelay time.Duration

	// ConsumerThreads is the number of pipeline shards, each drained by a
	// single consumer goroutine.
	ConsumerThreads int

	// BufferSize is the queue depth of one pipeline shard. A full shard
	// blocks producers rather than dropping events.
	BufferSize int

	// AsyncThreads bounds the worker pool that drives confirm, cancel and
	// notice off the caller's success path.
	AsyncThreads int

	// CacheMax bounds the participant cache entry count.
	CacheMax int

	// ThresholdSecond, ThresholdMinute and ThresholdHour enable notice
	// degradation for the matching window when positive. The finest
	// configured granularity wins.
	ThresholdSecond int
	ThresholdMinute int
	ThresholdHour   int

	// NoticeScheduledDelay is the refresh cadence of the degradation
	// counters.
	NoticeScheduledDelay time.Duration

	// LogRetention, when positive, enables the retention sweep that
	// removes rows last touched longer ago than this.
	LogRetention time.Duration

	// Started gates the whole coordinator. When false, calls run as
	// plain pass-throughs with no tracking.
	Started bool

	// Logger receives coordinator diagnostics.
	Logger hclog.Logger
}

// Option mutates the coordinator configuration.
type Option func(*Config)

// WithAppName names the process for storage namespacing and logs.
func WithAppName(name string) Option {
	return func(c *Config) { c.AppName = name }
}

// WithNamespace overrides the storage namespace.
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithRetryMax sets the default recovery attempt ceiling.
func WithRetryMax(n int) Option {
	return func(c *Config) { c.RetryMax = n }
}

// WithRecoverDelay sets the age at which transactions become recovery
// candidates.
func WithRecoverDelay(d time.Duration) Option {
	return func(c *Config) { c.RecoverDelay = d }
}

// WithLoadFactor sets the provider grace-period multiplier.
func WithLoadFactor(n int) Option {
	return func(c *Config) { c.LoadFactor = n }
}

// WithScheduledDelay sets the fixed delay between recovery sweeps.
func WithScheduledDelay(d time.Duration) Option {
	return func(c *Config) { c.ScheduledDelay = d }
}

// WithScheduledInitDelay postpones the first recovery sweep.
func WithScheduledInitDelay(d time.Duration) Option {
	return func(c *Config) { c.ScheduledInitDelay = d }
}

// WithConsumerThreads sets the pipeline shard count.
func WithConsumerThreads(n int) Option {
	return func(c *Config) { c.ConsumerThreads = n }
}

// WithBufferSize sets the per-shard queue depth.
func WithBufferSize(n int) Option {
	return func(c *Config) { c.BufferSize = n }
}

// WithAsyncThreads bounds the compensation worker pool.
func WithAsyncThreads(n int) Option {
	return func(c *Config) { c.AsyncThreads = n }
}

// WithCacheMax bounds the participant cache.
func WithCacheMax(n int) Option {
	return func(c *Config) { c.CacheMax = n }
}

// WithNoticeThresholds enables degradation windows; zero disables a
// granularity.
func WithNoticeThresholds(second, minute, hour int) Option {
	return func(c *Config) {
		c.ThresholdSecond = second
		c.ThresholdMinute = minute
		c.ThresholdHour = hour
	}
}

// WithNoticeScheduledDelay sets the degradation refresh cadence.
func WithNoticeScheduledDelay(d time.Duration) Option {
	return func(c *Config) { c.NoticeScheduledDelay = d }
}

// WithLogRetention enables the retention sweep.
func WithLogRetention(d time.Duration) Option {
	return func(c *Config) { c.LogRetention = d }
}

// WithLogger injects the logger used by every coordinator component.
func WithLogger(log hclog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithStarted toggles the coordinator; when disabled every call is a
// plain pass-through.
func WithStarted(started bool) Option {
	return func(c *Config) { c.Started = started }
}

func defaultConfig() *Config {
	return &Config{
		AppName:              "cat",
		RetryMax:             3,
		RecoverDelay:         60 * time.Second,
		LoadFactor:           2,
		ScheduledDelay:       60 * time.Second,
		ScheduledInitDelay:   120 * time.Second,
		ConsumerThreads:      runtime.NumCPU() * 2,
		BufferSize:           4096,
		AsyncThreads:         runtime.NumCPU() * 2,
		CacheMax:             1_000_000,
		NoticeScheduledDelay: 3 * time.Second,
		Started:              true,
	}
}

func (c *Config) normalize() {
	d := defaultConfig()
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.Namespace == "" {
		c.Namespace = c.AppName
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RecoverDelay <= 0 {
		c.RecoverDelay = d.RecoverDelay
	}
	if c.LoadFactor <= 0 {
		c.LoadFactor = d.LoadFactor
	}
	if c.ScheduledDelay <= 0 {
		c.ScheduledDelay = d.ScheduledDelay
	}
	if c.ScheduledInitDelay < 0 {
		c.ScheduledInitDelay = d.ScheduledInitDelay
	}
	if c.ConsumerThreads <= 0 {
		c.ConsumerThreads = d.ConsumerThreads
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.AsyncThreads <= 0 {
		c.AsyncThreads = d.AsyncThreads
	}
	if c.CacheMax <= 0 {
		c.CacheMax = d.CacheMax
	}
	if c.NoticeScheduledDelay <= 0 {
		c.NoticeScheduledDelay = d.NoticeScheduledDelay
	}
	if c.Logger == nil {
		c.Logger = hclog.New(&hclog.LoggerOptions{Name: "cat"})
	}
}

// granularity returns the finest configured degradation window, and its
// threshold.
func (c *Config) granularity() (Granularity, int) {
	switch {
	case c.ThresholdSecond > 0:
		return GranularitySecond, c.ThresholdSecond
	case c.ThresholdMinute > 0:
		return GranularityMinute, c.ThresholdMinute
	case c.ThresholdHour > 0:
		return GranularityHour, c.ThresholdHour
	default:
		return GranularityNone, 0
	}
}
