package types

import (
	"time"

	"gorm.io/gorm"
)

type JobState string

const (
	StateSubmitted      JobState = "submitted"
	StateFingerprinting JobState = "fingerprinting"
	StateCacheCheck     JobState = "cache_check"
	StateCacheHit       JobState = "cache_hit"
	StateChunking       JobState = "chunking"
	StateTranscribing   JobState = "transcribing"
	StateReassembling   JobState = "reassembling"
	StateAnalyzing      JobState = "analyzing"
	StateCompleted      JobState = "completed"
	StateFailed         JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type InputKind string

const (
	InputLocal  InputKind = "local"
	InputRemote InputKind = "remote"
)

// Input describes where a job's media comes from. Payload carries uploaded
// bytes when the media did not come from disk; it is never serialized.
type Input struct {
	Kind            InputKind `json:"kind"`
	Path            string    `json:"path,omitempty"`
	URL             string    `json:"url,omitempty"`
	FileName        string    `json:"file_name"`
	Size            int64     `json:"size,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Payload         []byte    `json:"-"`
}

// Source returns the path or URL the input was read from.
func (in Input) Source() string {
	if in.Kind == InputRemote {
		return in.URL
	}
	return in.Path
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent is 0 until the denominator is known.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

type JobError struct {
	Class  ErrorClass `json:"class"`
	Reason string     `json:"reason"`
}

type Job struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Input       Input      `json:"input"`
	Settings    Settings   `json:"settings"`
	State       JobState   `json:"state"`
	CacheHit    bool       `json:"cache_hit"`
	Progress    Progress   `json:"progress"`
	Chunks      []Chunk    `json:"chunks,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ChunkState string

const (
	ChunkPending  ChunkState = "pending"
	ChunkInFlight ChunkState = "in_flight"
	ChunkDone     ChunkState = "done"
	ChunkFailed   ChunkState = "failed"
)

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type ChunkTranscript struct {
	Text         string    `json:"text"`
	Language     string    `json:"language,omitempty"`
	Segments     []Segment `json:"segments,omitempty"`
	Confidence   float64   `json:"confidence"`
	AudioSeconds float64   `json:"audio_seconds"`
}

// Chunk is a contiguous slice of a job's media. Payload is released once the
// job is terminal.
type Chunk struct {
	JobID        string           `json:"job_id"`
	Index        int              `json:"index"`
	StartSeconds float64          `json:"start_seconds"`
	EndSeconds   float64          `json:"end_seconds"`
	ByteStart    int64            `json:"byte_start"`
	ByteEnd      int64            `json:"byte_end"`
	FileName     string           `json:"file_name"`
	State        ChunkState       `json:"state"`
	Transcript   *ChunkTranscript `json:"transcript,omitempty"`
	Payload      []byte           `json:"-"`
}

// DurationSeconds is zero when the chunk's time range is unknown.
func (c Chunk) DurationSeconds() float64 {
	if c.EndSeconds <= c.StartSeconds {
		return 0
	}
	return c.EndSeconds - c.StartSeconds
}

type Quality struct {
	Confidence      float64 `json:"confidence"`
	AnalysisQuality string  `json:"analysis_quality"`
}

// Result is the immutable outcome of a successful job.
type Result struct {
	JobID             string                          `json:"job_id"`
	Fingerprint       string                          `json:"fingerprint"`
	FileName          string                          `json:"file_name"`
	Source            string                          `json:"source"`
	Title             string                          `json:"title,omitempty"`
	Language          string                          `json:"language"`
	Format            OutputFormat                    `json:"format"`
	Transcript        string                          `json:"transcript"`
	Formatted         string                          `json:"formatted,omitempty"`
	Segments          []Segment                       `json:"segments,omitempty"`
	DurationSeconds   float64                         `json:"duration_seconds"`
	ChunkCount        int                             `json:"chunk_count"`
	Analysis          map[AnalysisType]AnalysisOutput `json:"analysis,omitempty"`
	AnalysisErrors    map[AnalysisType]string         `json:"analysis_errors,omitempty"`
	Usage             Usage                           `json:"usage"`
	Quality           Quality                         `json:"quality"`
	Model             string                          `json:"model"`
	ProcessingSeconds float64                         `json:"processing_seconds"`
	CreatedAt         time.Time                       `json:"created_at"`
}

// Summary returns the summary analysis text, if one was produced.
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	if out, ok := r.Analysis[AnalysisSummary]; ok {
		return out.Summary
	}
	return ""
}

// HistoryEntry is a persisted Result plus user annotations.
type HistoryEntry struct {
	JobID       string    `gorm:"primaryKey;size:36" json:"job_id"`
	Fingerprint string    `gorm:"index;size:64" json:"fingerprint"`
	FileName    string    `json:"file_name"`
	Source      string    `json:"source"`
	Language    string    `gorm:"index;size:16" json:"language"`
	Transcript  string    `gorm:"type:text" json:"transcript"`
	Summary     string    `gorm:"type:text" json:"summary"`
	Favorite    bool      `gorm:"index" json:"favorite"`
	Tags        []string  `gorm:"serializer:json" json:"tags"`
	Result      Result    `gorm:"serializer:json" json:"result"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// DeletedAt hides an entry from every read until the retention sweep
	// purges it.
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (HistoryEntry) TableName() string {
	return "history_entries"
}

const (
	ActivityCreate    = "create"
	ActivityDelete    = "delete"
	ActivityFavorite  = "favorite"
	ActivityTags      = "tags"
	ActivityTranslate = "translate"
	ActivitySweep     = "sweep"
	ActivityBackup    = "backup"
	ActivityRestore   = "restore"
)

// Activity is one audit-log row for a history mutation.
type Activity struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Action    string    `gorm:"index;size:16" json:"action"`
	JobID     string    `gorm:"index;size:36" json:"job_id,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Activity) TableName() string {
	return "activity_log"
}

// NewHistoryEntry builds the persisted form of a successful result.
func NewHistoryEntry(res *Result) *HistoryEntry {
	return &HistoryEntry{
		JobID:       res.JobID,
		Fingerprint: res.Fingerprint,
		FileName:    res.FileName,
		Source:      res.Source,
		Language:    res.Language,
		Transcript:  res.Transcript,
		Summary:     res.Summary(),
		Tags:        []string{},
		Result:      *res,
		CreatedAt:   res.CreatedAt.UTC(),
	}
}
