package main

import (
	"github.com/rs/zerolog"

	"github.com/apexdata/lapreport/internal/config"
	"github.com/apexdata/lapreport/internal/laps"
	"github.com/apexdata/lapreport/internal/monitoring"
	"github.com/apexdata/lapreport/internal/saver"
	"github.com/apexdata/lapreport/internal/telemetry"
)

// Pipeline wires the lap indexer to the saver and exposes the narrow
// surface the outside world talks to: frames in, session lifecycle,
// sector splits, shutdown.
//
// OnFrame is single-threaded and never blocks on persistence; the indexer
// emits into the saver's bounded queue and the saver's worker does the
// database round-trips.
type Pipeline struct {
	indexer    *laps.Indexer
	saver      *saver.Saver
	supervisor *saver.Supervisor
	logger     zerolog.Logger
	limiter    *monitoring.Limiter
}

// NewPipeline builds the full ingestion pipeline over the given store.
func NewPipeline(cfg *config.Config, store saver.Store, logger zerolog.Logger) *Pipeline {
	s := saver.New(store, saver.Config{
		QueueCapacity:      cfg.GetQueueCapacity(),
		BatchSize:          cfg.GetBatchSize(),
		MaxLapRetries:      cfg.GetMaxLapRetries(),
		OpTimeout:          cfg.GetOpTimeout(),
		FallbackDir:        cfg.GetFallbackDir(),
		DirectSave:         cfg.GetDirectSave(),
		PersistInvalidLaps: cfg.GetPersistInvalidLaps(),
		Logger:             logger.With().Str("component", "saver").Logger(),
	})

	ix := laps.NewIndexer(laps.Config{
		RingCapacity:      cfg.GetRingCapacity(),
		TimingSettleDelay: cfg.GetTimingSettleSecs(),
		OnLap:             s.Enqueue,
		Logger:            logger.With().Str("component", "indexer").Logger(),
	})

	sv := saver.NewSupervisor(s, saver.SupervisorConfig{
		Logger: logger.With().Str("component", "supervisor").Logger(),
	})

	return &Pipeline{
		indexer:    ix,
		saver:      s,
		supervisor: sv,
		logger:     logger,
		limiter:    monitoring.NewLimiter(0),
	}
}

// Start launches the persistence worker and the supervisor.
func (p *Pipeline) Start() {
	p.saver.Start()
	p.supervisor.Start()
}

// OnFrame ingests one raw telemetry frame. Frames missing essential fields
// are dropped with a rate-limited warning.
func (p *Pipeline) OnFrame(raw map[string]interface{}) {
	frame, err := telemetry.FromMap(raw)
	if err != nil {
		if p.limiter.Allow(err.Error()) {
			p.logger.Warn().Err(err).Msg("dropping telemetry frame")
		}
		return
	}
	p.indexer.OnFrame(frame)
}

// SetSessionContext announces a new session; laps held pending it are
// released into the save queue.
func (p *Pipeline) SetSessionContext(sessionID string, trackID, carID int64, sessionType string) {
	p.saver.SetSessionContext(saver.SessionContext{
		SessionID:   sessionID,
		TrackID:     trackID,
		CarID:       carID,
		SessionType: sessionType,
	})
}

// SetUserID installs the authenticated user id, post-authentication.
func (p *Pipeline) SetUserID(userID string) {
	p.saver.SetUserID(userID)
}

// PushSectorData delivers a completed lap's sector split from the
// sector-timing adapter.
func (p *Pipeline) PushSectorData(lapNumber int, sectorTimes []float64, completionFrameID int64) {
	p.saver.PushSectorData(saver.SectorData{
		LapNumber:         lapNumber,
		CompletionFrameID: completionFrameID,
		SectorTimes:       sectorTimes,
	})
}

// FinalizeSession flushes the active lap, drains the save queue (bounded)
// and tears down the session context.
func (p *Pipeline) FinalizeSession() {
	p.indexer.Finalize()
	p.saver.FinalizeSession()
}

// Shutdown finalizes the session and stops the workers.
func (p *Pipeline) Shutdown() {
	p.FinalizeSession()
	p.supervisor.Stop()
	p.saver.Stop()
}

// Report returns the combined health report for the status endpoint.
func (p *Pipeline) Report() saver.Report {
	return p.supervisor.Report()
}
