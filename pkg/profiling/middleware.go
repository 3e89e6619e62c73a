package profiling

import (
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware adds profiling headers to every response and logs the
// duration, memory delta and goroutine delta of each request at debug level.
// With enabled false it only calls the next handler.
func Middleware(enabled bool, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}

		// Capture initial state
		prof := NewRequestProfiler(c.FullPath())

		// Add profiling headers
		c.Header("X-Profiling-Enabled", "true")
		c.Header("X-Handler-Name", prof.Name)
		c.Header("X-Start-Time", prof.StartTime.Format(time.RFC3339Nano))
		c.Header("X-Start-Goroutines", strconv.Itoa(prof.StartGoroutines))

		// Execute handler
		c.Next()

		// Capture final state
		m := prof.Finish()
		logger.Debug("request profile",
			"handler", m.Name,
			"status", c.Writer.Status(),
			"duration_ms", float64(m.Duration.Nanoseconds())/1e6,
			"memory_delta_bytes", m.MemoryDelta,
			"goroutine_delta", m.Goroutines-prof.StartGoroutines,
		)
	}
}

// RequestProfiler measures one unit of work.
type RequestProfiler struct {
	StartTime       time.Time
	StartMemory     uint64
	StartGoroutines int
	Name            string
}

// NewRequestProfiler creates a new request profiler
func NewRequestProfiler(name string) *RequestProfiler {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &RequestProfiler{
		StartTime:       time.Now(),
		StartMemory:     m.Alloc,
		StartGoroutines: runtime.NumGoroutine(),
		Name:            name,
	}
}

// Finish completes the profiling and returns metrics
func (rp *RequestProfiler) Finish() ProfileMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ProfileMetrics{
		Name:        rp.Name,
		Duration:    time.Since(rp.StartTime),
		MemoryDelta: int64(m.Alloc) - int64(rp.StartMemory),
		FinalMemory: m.Alloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// ProfileMetrics holds profiling metrics for a request
type ProfileMetrics struct {
	Name        string
	Duration    time.Duration
	MemoryDelta int64
	FinalMemory uint64
	Goroutines  int
}
