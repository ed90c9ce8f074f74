package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// Phase 抓取任务阶段
type Phase int

const (
	PhasePlanning Phase = iota
	PhaseDispatching
	PhaseMerging
	PhasePersisting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePlanning:
		return "planning"
	case PhaseDispatching:
		return "dispatching"
	case PhaseMerging:
		return "merging"
	case PhasePersisting:
		return "persisting"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// JobStats 单次任务统计
type JobStats struct {
	Requested   int
	MemoryHits  int
	DurableHits int
	Incremental int
	Full        int
	Fetched     int
	Degraded    int
	Omitted     int
	Rounds      int
}

// job 一次批量查询，阶段只前进不后退
type job struct {
	id      string
	kind    model.DataKind
	phase   Phase
	started time.Time
	stats   JobStats
	log     *logger.Entry
}

func newJob(log *logger.Entry, kind model.DataKind, requested int) *job {
	id := uuid.NewString()
	return &job{
		id:      id,
		kind:    kind,
		phase:   PhasePlanning,
		started: time.Now(),
		stats:   JobStats{Requested: requested},
		log:     log.WithFields(logger.Fields{"job_id": id, "kind": kind}),
	}
}

func (j *job) enter(p Phase) {
	if p < j.phase {
		return
	}
	j.phase = p
	j.log.WithField("phase", p.String()).Debug("进入阶段")
}

func (j *job) finish() {
	j.enter(PhaseDone)
	logger.LogPerformance(j.log, "fetch_job", time.Since(j.started), logger.Fields{
		"requested":    j.stats.Requested,
		"memory_hits":  j.stats.MemoryHits,
		"durable_hits": j.stats.DurableHits,
		"incremental":  j.stats.Incremental,
		"full":         j.stats.Full,
		"fetched":      j.stats.Fetched,
		"degraded":     j.stats.Degraded,
		"omitted":      j.stats.Omitted,
		"rounds":       j.stats.Rounds,
	})
}
