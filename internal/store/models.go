package store

import (
	"strconv"
	"strings"
	"time"
)

// ProjectStatus is the lifecycle state of a production unit.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is a production unit owning characters, scenes, and episodes.
type Project struct {
	ID            int64
	Name          string
	Genre         string
	Premise       string
	ContentRating string
	DefaultStyle  string
	Status        ProjectStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Character is a recurring figure inside a project, unique by slug.
type Character struct {
	ID             int64
	ProjectID      int64
	Slug           string
	DisplayName    string
	DesignPrompt   string
	AppearanceJSON string
	VoiceJSON      string
	CreatedAt      time.Time
}

// GenerationStyle is a reusable parameter tuple referenced by projects.
type GenerationStyle struct {
	ID               int64
	Name             string
	BaseModel        string
	CFGScale         float64
	Steps            int
	Sampler          string
	Scheduler        string
	Width            int
	Height           int
	PositiveTemplate string
	NegativeTemplate string
	Architecture     string
	PromptFormat     string
}

// GenerationKind distinguishes image from video outputs.
type GenerationKind string

const (
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
)

// ReviewStatus is the review lifecycle of a generation record.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewInReview ReviewStatus = "in_review"
)

// RejectionCategory enumerates the fixed vocabulary vision review emits.
type RejectionCategory string

const (
	RejectWrongAppearance RejectionCategory = "wrong_appearance"
	RejectNotSolo         RejectionCategory = "not_solo"
	RejectWrongPose       RejectionCategory = "wrong_pose"
	RejectLowQuality      RejectionCategory = "low_quality"
	RejectWrongSpecies    RejectionCategory = "wrong_species"
	RejectBadComposition  RejectionCategory = "bad_composition"
	RejectArtifact        RejectionCategory = "artifact"
	RejectWrongStyle      RejectionCategory = "wrong_style"
)

// KnownRejectionCategories lists the accepted category values.
func KnownRejectionCategories() []RejectionCategory {
	return []RejectionCategory{
		RejectWrongAppearance,
		RejectNotSolo,
		RejectWrongPose,
		RejectLowQuality,
		RejectWrongSpecies,
		RejectBadComposition,
		RejectArtifact,
		RejectWrongStyle,
	}
}

// DecodeRejectionCategories parses the JSON-encoded category list stored
// on generations and rejections, dropping unknown values.
func DecodeRejectionCategories(raw string) []RejectionCategory {
	return decodeCategories(raw)
}

// ParseRejectionCategory normalizes a raw string to a known category.
func ParseRejectionCategory(value string) (RejectionCategory, bool) {
	normalized := RejectionCategory(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range KnownRejectionCategories() {
		if normalized == known {
			return known, true
		}
	}
	return "", false
}

// Generation is one image or video produced by the backend.
//
// Invariant: Status approved or rejected implies ReviewedAt and QualityScore
// are both set. EvaluateQuality in the learning package is the only writer
// that settles a pending record.
type Generation struct {
	ID              int64
	CharacterSlug   string
	ProjectName     string
	Kind            GenerationKind
	BackendJobID    string
	CheckpointModel string
	CFGScale        float64
	Steps           int
	Sampler         string
	Width           int
	Height          int
	Seed            int64
	OutputPath      string
	QualityScore    *float64
	CharacterMatch  *float64
	Clarity         *float64
	TrainingValue   *float64
	Solo            bool
	SpeciesVerified bool
	Status          ReviewStatus
	Categories      []RejectionCategory
	CreatedAt       time.Time
	ReviewedAt      *time.Time
	GenerationMS    int64
	CorrectionOf    *int64
	CorrectionDepth int
}

// Rejection records why a generation was rejected.
type Rejection struct {
	ID            int64
	GenerationID  int64
	CharacterSlug string
	Categories    []RejectionCategory
	Feedback      string
	NegativeTerms string
	Source        string // vision, human, auto
	QualityScore  float64
	CreatedAt     time.Time
}

// Approval mirrors Rejection for accepted outputs.
type Approval struct {
	ID            int64
	GenerationID  int64
	CharacterSlug string
	Auto          bool
	VisionPayload string
	CreatedAt     time.Time
}

// PatternType labels a learned-pattern aggregation row.
type PatternType string

const (
	PatternSuccess PatternType = "success"
	PatternFailure PatternType = "failure"
)

// LearnedPattern is an idempotent aggregation keyed by
// (character slug, pattern type, checkpoint model).
type LearnedPattern struct {
	ID              int64
	CharacterSlug   string
	PatternType     PatternType
	CheckpointModel string
	AvgQuality      float64
	Frequency       int
	CFGMin          float64
	CFGMax          float64
	StepsMin        int
	StepsMax        int
	UpdatedAt       time.Time
}

// QualityGate is a configurable numeric threshold gating auto decisions.
type QualityGate struct {
	ID        int64
	Name      string
	GateType  string
	Threshold float64
	Active    bool
}

// EntityType partitions pipeline rows between characters and projects.
type EntityType string

const (
	EntityCharacter EntityType = "character"
	EntityProject   EntityType = "project"
)

// PhaseStatus is the lifecycle of one pipeline row.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseBlocked   PhaseStatus = "blocked"
	PhaseCompleted PhaseStatus = "completed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseFailed    PhaseStatus = "failed"
)

// IncompleteStatuses are the pipeline row statuses the tick loop evaluates.
func IncompleteStatuses() []PhaseStatus {
	return []PhaseStatus{PhasePending, PhaseActive, PhaseBlocked, PhaseFailed}
}

// PipelineRow is the persistent record of an entity's status within a phase.
type PipelineRow struct {
	ID              int64
	EntityType      EntityType
	EntityID        int64
	ProjectID       int64
	Phase           string
	Status          PhaseStatus
	ProgressCurrent int
	ProgressTarget  int
	LastCheckedAt   *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	BlockedReason   string
	GateResultJSON  string
}

// Key returns the work-task map key for this row.
func (r PipelineRow) Key() string {
	return string(r.EntityType) + ":" + strconv.FormatInt(r.EntityID, 10) + ":" + r.Phase
}

// AuditDecision is one append-only autonomous-decision record.
type AuditDecision struct {
	ID            int64
	DecisionType  string
	CharacterSlug string
	ProjectName   string
	InputContext  string
	DecisionMade  string
	Confidence    float64
	Reasoning     string
	Outcome       string // pending, ok, failed
	CreatedAt     time.Time
}

// Scene is one planned scene within a project.
type Scene struct {
	ID             int64
	ProjectID      int64
	EpisodeID      *int64
	Seq            int
	Title          string
	Description    string
	FinalVideoPath string
	CreatedAt      time.Time
}

// ShotStatus tracks a shot's rendering lifecycle.
type ShotStatus string

const (
	ShotPlanned      ShotStatus = "planned"
	ShotCompleted    ShotStatus = "completed"
	ShotAcceptedBest ShotStatus = "accepted_best"
)

// Shot is one camera take inside a scene.
type Shot struct {
	ID                int64
	SceneID           int64
	ProjectID         int64
	Seq               int
	ShotType          string
	CharactersPresent []string
	Prompt            string
	SourceImagePath   string
	OutputVideoPath   string
	Status            ShotStatus
	CreatedAt         time.Time
}

// EpisodeStatus tracks an episode through assembly and publishing.
type EpisodeStatus string

const (
	EpisodePlanned   EpisodeStatus = "planned"
	EpisodeAssembled EpisodeStatus = "assembled"
	EpisodePublished EpisodeStatus = "published"
)

// Episode is one assembled unit of the series.
type Episode struct {
	ID             int64
	ProjectID      int64
	Seq            int
	Title          string
	FinalVideoPath string
	Status         EpisodeStatus
	PublishedAt    *time.Time
}

// WorldSetting is one key/value entry of a project's world bible.
type WorldSetting struct {
	ID        int64
	ProjectID int64
	Key       string
	Value     string
}
