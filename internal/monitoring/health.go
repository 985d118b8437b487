package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"ledger-api/internal/cache"
)

type HealthChecker interface {
	CheckHealth(ctx context.Context) *HealthStatus
	RegisterCheck(name string, checker ComponentChecker)
	StartPeriodicChecks(interval time.Duration)
	StopPeriodicChecks()
	GetComponentStatus(component string) *ComponentHealth
}

type ComponentChecker interface {
	Check(ctx context.Context) error
	Name() string
	Timeout() time.Duration
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

type HealthStatus struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     time.Duration               `json:"uptime"`
	Version    string                      `json:"version"`
	Components map[string]*ComponentHealth `json:"components"`
	Summary    *HealthSummary              `json:"summary"`
}

type ComponentHealth struct {
	Status      string        `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

type HealthSummary struct {
	TotalComponents     int `json:"total_components"`
	HealthyComponents   int `json:"healthy_components"`
	UnhealthyComponents int `json:"unhealthy_components"`
	UnknownComponents   int `json:"unknown_components"`
}

type healthChecker struct {
	checkers  map[string]ComponentChecker
	status    map[string]*ComponentHealth
	startTime time.Time
	version   string
	ticker    *time.Ticker
	stopChan  chan struct{}
	stopOnce  sync.Once
	mutex     sync.RWMutex
}

func NewHealthChecker(version string) HealthChecker {
	return &healthChecker{
		checkers:  make(map[string]ComponentChecker),
		status:    make(map[string]*ComponentHealth),
		startTime: time.Now(),
		version:   version,
		stopChan:  make(chan struct{}),
	}
}

func (h *healthChecker) RegisterCheck(name string, checker ComponentChecker) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.checkers[name] = checker
	h.status[name] = &ComponentHealth{Status: StatusUnknown}
}

// CheckHealth runs every registered checker. Any failing component degrades
// the service; losing more than half of the healthy ones makes it unhealthy.
func (h *healthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	overallStatus := StatusHealthy
	summary := &HealthSummary{
		TotalComponents: len(h.checkers),
	}

	for name, checker := range h.checkers {
		componentHealth := h.checkComponent(ctx, checker)
		h.status[name] = componentHealth

		switch componentHealth.Status {
		case StatusHealthy:
			summary.HealthyComponents++
		case StatusUnhealthy:
			summary.UnhealthyComponents++
			overallStatus = StatusDegraded
		default:
			summary.UnknownComponents++
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if summary.UnhealthyComponents > summary.HealthyComponents/2 {
		overallStatus = StatusUnhealthy
	}

	return &HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Uptime:     time.Since(h.startTime),
		Version:    h.version,
		Components: h.copyStatus(),
		Summary:    summary,
	}
}

func (h *healthChecker) checkComponent(ctx context.Context, checker ComponentChecker) *ComponentHealth {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	err := checker.Check(checkCtx)

	componentHealth := &ComponentHealth{
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		componentHealth.Status = StatusUnhealthy
		componentHealth.Error = err.Error()
	}
	return componentHealth
}

func (h *healthChecker) copyStatus() map[string]*ComponentHealth {
	copied := make(map[string]*ComponentHealth, len(h.status))
	for name, status := range h.status {
		c := *status
		copied[name] = &c
	}
	return copied
}

func (h *healthChecker) GetComponentStatus(component string) *ComponentHealth {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if status, exists := h.status[component]; exists {
		c := *status
		return &c
	}
	return nil
}

func (h *healthChecker) StartPeriodicChecks(interval time.Duration) {
	h.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-h.ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				h.CheckHealth(ctx)
				cancel()
			case <-h.stopChan:
				return
			}
		}
	}()
}

func (h *healthChecker) StopPeriodicChecks() {
	if h.ticker != nil {
		h.ticker.Stop()
	}
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Built-in component checkers

// DatabaseChecker wraps a ping function such as Database.PingMongo.
type DatabaseChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewDatabaseChecker(name string, ping func(ctx context.Context) error) ComponentChecker {
	return &DatabaseChecker{
		name: name,
		ping: ping,
	}
}

func (d *DatabaseChecker) Name() string {
	return d.name
}

func (d *DatabaseChecker) Timeout() time.Duration {
	return 5 * time.Second
}

func (d *DatabaseChecker) Check(ctx context.Context) error {
	if d.ping == nil {
		return fmt.Errorf("no ping function configured for %s", d.name)
	}
	return d.ping(ctx)
}

type CacheChecker struct {
	name  string
	cache cache.CacheService
}

func NewCacheChecker(name string, cacheService cache.CacheService) ComponentChecker {
	return &CacheChecker{
		name:  name,
		cache: cacheService,
	}
}

func (c *CacheChecker) Name() string {
	return c.name
}

func (c *CacheChecker) Timeout() time.Duration {
	return 3 * time.Second
}

func (c *CacheChecker) Check(ctx context.Context) error {
	return c.cache.Ping(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// MessageQueueChecker reports the broker connection state.
type MessageQueueChecker struct {
	name string
	mq   pinger
}

func NewMessageQueueChecker(name string, mq pinger) ComponentChecker {
	return &MessageQueueChecker{
		name: name,
		mq:   mq,
	}
}

func (m *MessageQueueChecker) Name() string {
	return m.name
}

func (m *MessageQueueChecker) Timeout() time.Duration {
	return 5 * time.Second
}

func (m *MessageQueueChecker) Check(ctx context.Context) error {
	return m.mq.Ping(ctx)
}

type backlogCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// OutboxBacklogChecker fails when unpublished events pile up, which usually
// means the relay or the broker is stuck.
type OutboxBacklogChecker struct {
	name   string
	outbox backlogCounter
	limit  int64
}

func NewOutboxBacklogChecker(name string, outbox backlogCounter, limit int64) ComponentChecker {
	if limit <= 0 {
		limit = 1000
	}
	return &OutboxBacklogChecker{
		name:   name,
		outbox: outbox,
		limit:  limit,
	}
}

func (o *OutboxBacklogChecker) Name() string {
	return o.name
}

func (o *OutboxBacklogChecker) Timeout() time.Duration {
	return 5 * time.Second
}

func (o *OutboxBacklogChecker) Check(ctx context.Context) error {
	pending, err := o.outbox.CountPending(ctx)
	if err != nil {
		return err
	}
	if pending > o.limit {
		return fmt.Errorf("%d outbox events pending, limit %d", pending, o.limit)
	}
	return nil
}

// MemoryChecker fails when the heap grows past threshold bytes.
type MemoryChecker struct {
	name      string
	threshold uint64
}

func NewMemoryChecker(name string, threshold uint64) ComponentChecker {
	return &MemoryChecker{
		name:      name,
		threshold: threshold,
	}
}

func (m *MemoryChecker) Name() string {
	return m.name
}

func (m *MemoryChecker) Timeout() time.Duration {
	return 1 * time.Second
}

func (m *MemoryChecker) Check(ctx context.Context) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	if memStats.HeapAlloc > m.threshold {
		return fmt.Errorf("heap usage %d bytes exceeds threshold %d bytes", memStats.HeapAlloc, m.threshold)
	}
	return nil
}
