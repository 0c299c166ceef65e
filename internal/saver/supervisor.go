package saver

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor periodically probes the persistence worker and restarts it
// when it misbehaves. After exhausting its restart budget it switches the
// saver into direct-save mode permanently.
type Supervisor struct {
	saver    *Saver
	logger   zerolog.Logger
	interval time.Duration

	maxRestarts      int
	maxQueueBacklog  int
	activityDeadline time.Duration

	mu       sync.Mutex
	restarts int
	running  bool
	stopc    chan struct{}
	donec    chan struct{}
}

// SupervisorConfig holds tuning for the Supervisor.
type SupervisorConfig struct {
	Interval         time.Duration // probe cadence (default 30s)
	MaxRestarts      int           // restarts before permanent direct-save (default 3)
	MaxQueueBacklog  int           // queue depth considered unhealthy (default 20)
	ActivityDeadline time.Duration // max time without worker progress (default 5m)
	Logger           zerolog.Logger
}

// NewSupervisor returns a Supervisor over the saver.
func NewSupervisor(s *Saver, cfg SupervisorConfig) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.MaxQueueBacklog <= 0 {
		cfg.MaxQueueBacklog = 20
	}
	if cfg.ActivityDeadline <= 0 {
		cfg.ActivityDeadline = 5 * time.Minute
	}
	return &Supervisor{
		saver:            s,
		logger:           cfg.Logger,
		interval:         cfg.Interval,
		maxRestarts:      cfg.MaxRestarts,
		maxQueueBacklog:  cfg.MaxQueueBacklog,
		activityDeadline: cfg.ActivityDeadline,
	}
}

// Start launches the periodic health probe.
func (sv *Supervisor) Start() {
	sv.mu.Lock()
	if sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = true
	sv.stopc = make(chan struct{})
	sv.donec = make(chan struct{})
	stopc, donec := sv.stopc, sv.donec
	sv.mu.Unlock()

	go func() {
		defer close(donec)
		ticker := time.NewTicker(sv.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sv.Probe()
			case <-stopc:
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = false
	stopc, donec := sv.stopc, sv.donec
	sv.mu.Unlock()

	close(stopc)
	<-donec
}

// Probe runs one health check. Exported so tests can trigger it outside the
// ticker.
func (sv *Supervisor) Probe() {
	if sv.saver.DirectSaveEnabled() {
		return
	}

	reason := ""
	switch {
	case !sv.saver.WorkerAlive():
		reason = "worker not alive"
	case sv.saver.SelfUnhealthy():
		reason = "worker flagged unhealthy"
	case sv.saver.QueueLen() >= sv.maxQueueBacklog:
		reason = "queue backing up"
	case sv.saver.TimeSinceActivity() > sv.activityDeadline:
		reason = "worker inactive too long"
	}
	if reason == "" {
		return
	}

	sv.mu.Lock()
	exhausted := sv.restarts >= sv.maxRestarts
	if !exhausted {
		sv.restarts++
	}
	restarts := sv.restarts
	sv.mu.Unlock()

	if exhausted {
		sv.logger.Error().
			Str("reason", reason).
			Int("restarts", restarts).
			Msg("restart budget exhausted, switching to direct-save permanently")
		sv.saver.Stop()
		sv.saver.EnableDirectSave(true)
		return
	}

	sv.logger.Warn().
		Str("reason", reason).
		Int("attempt", restarts).
		Int("max", sv.maxRestarts).
		Msg("restarting lap save worker")
	sv.saver.Restart()
}

// Restarts returns how many times the worker has been restarted.
func (sv *Supervisor) Restarts() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.restarts
}

// Report combines the saver status with supervisor counters.
type Report struct {
	Status
	Restarts int `json:"restarts"`
}

// Report returns the combined operator-facing health report.
func (sv *Supervisor) Report() Report {
	return Report{
		Status:   sv.saver.Status(),
		Restarts: sv.Restarts(),
	}
}
