package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aicall-gateway/internal/metrics"
	"aicall-gateway/internal/store"
	"aicall-gateway/pkg/logging/logging"
)

// Operations recorded by the gateway.
const (
	OpCall   = "call"
	OpBatch  = "batch"
	OpWarmup = "warmup"
)

const (
	hourLayout = "2006-01-02-15"
	dayLayout  = "2006-01-02"
)

type Config struct {
	Enabled         bool
	DetailedLogging bool

	// SlowThreshold marks calls that emit a slow_ai_call warning.
	SlowThreshold time.Duration
	// Retention is the TTL of every aggregate written to the store.
	Retention time.Duration
	// ResetInterval is how often Run swaps in empty accumulators.
	ResetInterval time.Duration
	KeyPrefix     string

	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SlowThreshold: 5 * time.Second,
		Retention:     168 * time.Hour,
		ResetInterval: time.Hour,
		KeyPrefix:     "ai:stats:",
		Workers:       4,
		QueueSize:     1024,
		WriteTimeout:  2 * time.Second,
	}
}

// Event is one observed call outcome.
type Event struct {
	CallerID  string
	Operation string
	Latency   time.Duration
	Success   bool
	CacheHit  bool
	// At defaults to the time Record is called.
	At time.Time
}

// Monitor keeps per-process call statistics and mirrors them into
// hour/day/global aggregates in the shared store.
//
// Record updates the in-process counters inline with atomics and hands the
// store writes to a small worker pool. When the queue is full the event is
// still counted in-process but dropped from the shared aggregates.
type Monitor struct {
	cfg      Config
	store    store.Store
	logger   *zap.Logger
	now      func() time.Time
	features map[string]bool

	current atomic.Pointer[table]

	queue     chan Event
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

type Option func(*Monitor)

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logging.Or(l) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithFeatures sets the feature flags reported by GlobalStats.
func WithFeatures(flags map[string]bool) Option {
	return func(m *Monitor) {
		m.features = make(map[string]bool, len(flags))
		for k, v := range flags {
			m.features[k] = v
		}
	}
}

// New starts the monitor's store writers. Close must be called to stop them.
func New(cfg Config, s store.Store, opts ...Option) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	m := &Monitor{
		cfg:    cfg,
		store:  s,
		logger: zap.NewNop(),
		now:    time.Now,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("monitor")
	m.current.Store(newTable(m.now()))

	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Record registers one call outcome. It never blocks on I/O.
func (m *Monitor) Record(e Event) {
	if !m.cfg.Enabled {
		return
	}
	if e.At.IsZero() {
		e.At = m.now()
	}

	m.current.Load().get(statKey{caller: e.CallerID, operation: e.Operation}).add(e)

	if m.cfg.SlowThreshold > 0 && e.Latency > m.cfg.SlowThreshold {
		metrics.SlowCallsTotal.WithLabelValues(e.Operation).Inc()
		m.logger.Warn("slow_ai_call",
			zap.String("user_id", e.CallerID),
			zap.String("operation", e.Operation),
			zap.Int64("response_time_ms", e.Latency.Milliseconds()),
			zap.Int64("threshold_ms", m.cfg.SlowThreshold.Milliseconds()),
		)
	}

	if m.cfg.DetailedLogging {
		m.logger.Info("ai_call_recorded",
			zap.String("user_id", e.CallerID),
			zap.String("operation", e.Operation),
			zap.Int64("response_time_ms", e.Latency.Milliseconds()),
			zap.Bool("success", e.Success),
			zap.Bool("cache_hit", e.CacheHit),
		)
	}

	if m.closed.Load() {
		return
	}
	select {
	case m.queue <- e:
	default:
		m.dropped.Add(1)
		metrics.MonitorDroppedTotal.Inc()
	}
}

// Dropped returns how many events were left out of the shared aggregates.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Monitor) worker() {
	defer m.wg.Done()
	for {
		select {
		case e := <-m.queue:
			m.persist(e)
		case <-m.done:
			for {
				select {
				case e := <-m.queue:
					m.persist(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) hourKey(hour, caller, op string) string {
	return m.cfg.KeyPrefix + "hour:" + hour + ":" + caller + ":" + op
}

func (m *Monitor) dayKey(day, caller string) string {
	return m.cfg.KeyPrefix + "day:" + day + ":" + caller
}

func (m *Monitor) globalKey(day string) string {
	return m.cfg.KeyPrefix + "global:" + day
}

func (m *Monitor) userMarkerKey(day, caller string) string {
	return m.cfg.KeyPrefix + "users:" + day + ":" + caller
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// persist writes one event into the hour, day and global aggregates. Each
// key is updated independently; a failed write is logged and not retried.
func (m *Monitor) persist(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()

	hour := e.At.Format(hourLayout)
	day := e.At.Format(dayLayout)
	latencyMs := e.Latency.Milliseconds()
	errs := b2i(!e.Success)
	hits := b2i(e.CacheHit)
	misses := b2i(!e.CacheHit)

	if err := m.store.IncrHash(ctx, m.hourKey(hour, e.CallerID, e.Operation), map[string]int64{
		"call_count":          1,
		"total_response_time": latencyMs,
		"error_count":         errs,
		"cache_hits":          hits,
		"cache_misses":        misses,
	}, m.cfg.Retention); err != nil {
		m.logger.Warn("stats_write_failed", zap.String("bucket", "hour"), zap.Error(err))
	}

	dayDeltas := map[string]int64{
		"total_calls":         1,
		"total_response_time": latencyMs,
		"error_count":         errs,
		"cache_hits":          hits,
		"cache_misses":        misses,
	}
	if err := m.store.IncrHash(ctx, m.dayKey(day, e.CallerID), dayDeltas, m.cfg.Retention); err != nil {
		m.logger.Warn("stats_write_failed", zap.String("bucket", "day"), zap.Error(err))
	}

	globalDeltas := make(map[string]int64, len(dayDeltas)+1)
	for k, v := range dayDeltas {
		globalDeltas[k] = v
	}
	seen, err := m.store.IncrWithTTL(ctx, m.userMarkerKey(day, e.CallerID), m.cfg.Retention)
	if err != nil {
		m.logger.Warn("stats_write_failed", zap.String("bucket", "users"), zap.Error(err))
	} else if seen == 1 {
		globalDeltas["unique_users"] = 1
	}
	if err := m.store.IncrHash(ctx, m.globalKey(day), globalDeltas, m.cfg.Retention); err != nil {
		m.logger.Warn("stats_write_failed", zap.String("bucket", "global"), zap.Error(err))
	}
}

// Reset swaps in an empty accumulator table and returns the totals of the
// table it replaced.
func (m *Monitor) Reset() Totals {
	old := m.current.Swap(newTable(m.now()))

	var total Totals
	old.m.Range(func(_, v any) bool {
		total = total.add(v.(*accumulator).snapshot())
		return true
	})

	m.logger.Info("stats_reset",
		zap.Int64("calls", total.Calls),
		zap.Time("window_started_at", old.startedAt),
	)
	return total
}

// Run resets the in-process accumulators every ResetInterval until ctx is
// done.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ResetInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.cfg.ResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reset()
		}
	}
}

// Close stops accepting store writes, drains queued events and waits for
// the workers to exit.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

func (m *Monitor) Enabled() bool {
	return m.cfg.Enabled
}
