package profiling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/kacperjurak/emfit/pkg/config"
)

// Profiler serves pprof and runtime information on a separate port.
type Profiler struct {
	config *config.ServerConfig
	log    *slog.Logger
	server *http.Server
}

// New creates a new profiler instance
func New(cfg *config.ServerConfig, logger *slog.Logger) *Profiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Profiler{config: cfg, log: logger}
}

// Handler returns the profiling mux.
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()

	// Standard pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Custom profiling info endpoint
	mux.HandleFunc("/debug/info", p.infoHandler)
	return mux
}

// Start starts the profiling server when profiling is enabled.
func (p *Profiler) Start() error {
	if !p.config.EnableProfiling {
		p.log.Info("profiling disabled")
		return nil
	}

	// Enable more detailed profiling
	runtime.SetBlockProfileRate(1)     // Record every blocking event
	runtime.SetMutexProfileFraction(1) // Record every mutex contention

	p.server = &http.Server{
		Addr:              ":" + p.config.ProfilingPort,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second, // Header read timeout
	}
	p.log.Info("starting profiling server", "port", p.config.ProfilingPort)

	// Start server in goroutine
	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("profiling server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully stops the profiling server
func (p *Profiler) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("profiling server shutdown error: %w", err)
	}
	p.log.Info("profiling server stopped")
	return nil
}

// RuntimeInfo is the body of /debug/info.
type RuntimeInfo struct {
	Timestamp  time.Time `json:"timestamp"`
	Goroutines int       `json:"goroutines"`
	GOMAXPROCS int       `json:"gomaxprocs"`
	NumCPU     int       `json:"num_cpu"`
	Version    string    `json:"version"`
	AllocMB    float64   `json:"alloc_mb"`
	SysMB      float64   `json:"sys_mb"`
	HeapObject uint64    `json:"heap_objects"`
	GC         GCStats   `json:"gc"`
}

// ReadRuntimeInfo samples the runtime.
func ReadRuntimeInfo() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeInfo{
		Timestamp:  time.Now().UTC(),
		Goroutines: runtime.NumGoroutine(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		NumCPU:     runtime.NumCPU(),
		Version:    runtime.Version(),
		AllocMB:    bToMb(m.Alloc),
		SysMB:      bToMb(m.Sys),
		HeapObject: m.HeapObjects,
		GC:         gcStats(&m),
	}
}

func (p *Profiler) infoHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ReadRuntimeInfo()); err != nil {
		p.log.Warn("failed to write runtime info", "error", err)
	}
}

// GCStats provides garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total_ns"`
	PauseRecent  time.Duration `json:"pause_recent_ns"`
	LastGC       time.Time     `json:"last_gc"`
	GCCPUPercent float64       `json:"gc_cpu_percent"`
}

func gcStats(m *runtime.MemStats) GCStats {
	var recentPause time.Duration
	if m.NumGC > 0 {
		// PauseNs is a circular buffer of the last 256 pauses
		recentPause = time.Duration(m.PauseNs[(m.NumGC+255)%256])
	}
	return GCStats{
		NumGC:        m.NumGC,
		PauseTotal:   time.Duration(m.PauseTotalNs),
		PauseRecent:  recentPause,
		LastGC:       time.Unix(0, int64(m.LastGC)),
		GCCPUPercent: m.GCCPUFraction * 100,
	}
}

// ForceGC runs a collection and returns the statistics after it.
func ForceGC() GCStats {
	runtime.GC()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return gcStats(&m)
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
