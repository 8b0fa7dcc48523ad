package domain

import "time"

// Stage names a step of the orchestration cycle.
type Stage string

const (
	StageCollect Stage = "collect"
	StageFilter  Stage = "filter"
	StagePersist Stage = "persist"
	StageEnrich  Stage = "enrich"
	StageDigest  Stage = "digest"
)

// StageCounts aggregates per-item outcomes of one stage.
type StageCounts struct {
	// Collected counts raw items fetched; only the collect stage sets it.
	Collected int `json:"collected"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Filtered  int `json:"filtered"`
}

// Add merges other into c.
func (c *StageCounts) Add(other StageCounts) {
	c.Collected += other.Collected
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Skipped += other.Skipped
	c.Errors += other.Errors
	c.Filtered += other.Filtered
}

// CycleReport summarizes one orchestration cycle.
type CycleReport struct {
	CycleID   string
	StartedAt time.Time
	Duration  time.Duration
	Stages    map[Stage]StageCounts
	// Failed lists stages that failed as a whole (panic, store down, primary source down).
	Failed []Stage
}

// NewCycleReport prepares an empty report.
func NewCycleReport(id string, startedAt time.Time) *CycleReport {
	return &CycleReport{
		CycleID:   id,
		StartedAt: startedAt,
		Stages:    make(map[Stage]StageCounts),
	}
}

// Record merges counts into the stage entry.
func (r *CycleReport) Record(stage Stage, counts StageCounts) {
	current := r.Stages[stage]
	current.Add(counts)
	r.Stages[stage] = current
}

// Fail marks a stage as failed.
func (r *CycleReport) Fail(stage Stage) {
	for _, s := range r.Failed {
		if s == stage {
			return
		}
	}
	r.Failed = append(r.Failed, stage)
}

// HardErrors reports whether any stage failed as a whole.
func (r *CycleReport) HardErrors() bool {
	return len(r.Failed) > 0
}

// CollectionResult is the union of one collection run across all collectors.
type CollectionResult struct {
	Items []RawItem
	// Counts holds raw items per collector name.
	Counts map[string]int
	// Failed lists collectors whose whole run errored.
	Failed []string
	// PrimaryFailed is set when the primary collector failed hard.
	PrimaryFailed bool
}
