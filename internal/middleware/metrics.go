package middleware

import (
	"database/sql"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 载荷整体在内存中加解密，超过该值时告警
const defaultHighWaterMB = 1536

// MemoryStats 运行时内存快照
type MemoryStats struct {
	Alloc       uint64 `json:"alloc"`
	TotalAlloc  uint64 `json:"total_alloc"`
	Sys         uint64 `json:"sys"`
	NumGC       uint32 `json:"num_gc"`
	Goroutines  int    `json:"goroutines"`
	AllocMB     uint64 `json:"alloc_mb"`
	SysMB       uint64 `json:"sys_mb"`
	PeakAllocMB uint64 `json:"peak_alloc_mb"` // 进程启动以来采样到的最大值
}

// MemoryMonitor 定时采样内存与数据库连接池，同步到 Prometheus 并提供 /metrics 快照
type MemoryMonitor struct {
	logger   *logrus.Logger
	interval time.Duration
	metrics  *PrometheusMetrics // 可为 nil
	db       *sql.DB            // 可为 nil

	mu          sync.RWMutex
	stats       MemoryStats
	dbStats     sql.DBStats
	aboveWater  bool
	highWaterMB uint64

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, metrics *PrometheusMetrics, db *sql.DB) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:      logger,
		interval:    interval,
		metrics:     metrics,
		db:          db,
		highWaterMB: defaultHighWaterMB,
		stop:        make(chan struct{}),
	}
}

// Start 立即采样一次后转入后台
func (m *MemoryMonitor) Start() {
	m.sample()
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

// Stop 可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryMonitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	m.stats.Alloc = ms.Alloc
	m.stats.TotalAlloc = ms.TotalAlloc
	m.stats.Sys = ms.Sys
	m.stats.NumGC = ms.NumGC
	m.stats.Goroutines = runtime.NumGoroutine()
	m.stats.AllocMB = ms.Alloc >> 20
	m.stats.SysMB = ms.Sys >> 20
	if m.stats.AllocMB > m.stats.PeakAllocMB {
		m.stats.PeakAllocMB = m.stats.AllocMB
	}
	if m.db != nil {
		m.dbStats = m.db.Stats()
	}
	snapshot, dbStats := m.stats, m.dbStats

	// 越过水位线只告警一次，回落后重置
	crossed := snapshot.AllocMB >= m.highWaterMB && !m.aboveWater
	m.aboveWater = snapshot.AllocMB >= m.highWaterMB
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"alloc_mb":   snapshot.AllocMB,
		"sys_mb":     snapshot.SysMB,
		"goroutines": snapshot.Goroutines,
	})
	if crossed {
		log.WithField("high_water_mb", m.highWaterMB).Warn("High memory usage detected")
	} else {
		log.Debug("Memory stats")
	}

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(snapshot)
		if m.db != nil {
			m.metrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
		}
	}
}

// GetStats 最近一次采样
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// MetricsEndpoint JSON 形式的内存与连接池快照
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		body := gin.H{"memory": m.stats}
		if m.db != nil {
			body["db"] = gin.H{
				"open":    m.dbStats.OpenConnections,
				"idle":    m.dbStats.Idle,
				"in_use":  m.dbStats.InUse,
				"waiting": m.dbStats.WaitCount,
			}
		}
		m.mu.RUnlock()
		c.JSON(http.StatusOK, body)
	}
}
