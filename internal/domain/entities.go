package domain

import "time"

// SegmentationStatus is the lifecycle state of an Image's segmentation, per
// the state machine in spec.md §4.2.
type SegmentationStatus string

const (
	SegNone       SegmentationStatus = "none"
	SegQueued     SegmentationStatus = "queued"
	SegProcessing SegmentationStatus = "processing"
	SegSegmented  SegmentationStatus = "segmented"
	SegFailed     SegmentationStatus = "failed"
)

// User owns Projects.
type User struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// Project is owned by a User and groups Images.
type Project struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Image is owned by a Project. The segmentation-thumbnail path is non-empty
// iff Status == SegSegmented (invariant, enforced by the Store).
type Image struct {
	ID                   string
	ProjectID            string
	OriginalPath         string
	ThumbnailPath        string
	SegThumbnailPath     string
	Status               SegmentationStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Point is a 2D coordinate in original-image pixel space.
type Point struct {
	X float64
	Y float64
}

// Polygon is a closed ring of points. External rings define objects,
// internal rings define holes within them (spec.md Glossary).
type Polygon struct {
	Points   []Point
	Internal bool
}

// Segmentation is 1:1 with an Image when Status == SegSegmented. Immutable
// once written; a re-run produces a new Segmentation that atomically
// replaces the prior one.
type Segmentation struct {
	ID         string
	ImageID    string
	Polygons   []Polygon
	Model      string
	Threshold  float64
	DetectHoles bool
	Duration   time.Duration
	CreatedAt  time.Time
}

// QueueItemStatus is the lifecycle state of a QueueItem.
type QueueItemStatus string

const (
	QueueQueued     QueueItemStatus = "queued"
	QueueProcessing QueueItemStatus = "processing"
	QueueCompleted  QueueItemStatus = "completed"
	QueueFailed     QueueItemStatus = "failed"
	QueueCancelled  QueueItemStatus = "cancelled"
)

// QueueItem is a unit of scheduled inference work (spec.md §3).
type QueueItem struct {
	ID          string
	UserID      string
	ProjectID   string
	ImageID     string
	Model       string
	Threshold   float64
	DetectHoles bool
	Status      QueueItemStatus
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	RetryCount  int
	ErrorCode   string
	ErrorMsg    string
	BatchID     string
}

// ExportPhase is one stage of the export pipeline (spec.md §4.3).
type ExportPhase string

const (
	PhaseQueued         ExportPhase = "queued"
	PhaseImages         ExportPhase = "images"
	PhaseVisualizations ExportPhase = "visualizations"
	PhaseAnnotations    ExportPhase = "annotations"
	PhaseMetrics        ExportPhase = "metrics"
	PhaseCompression    ExportPhase = "compression"
	PhaseReady          ExportPhase = "ready"
)

// ExportStatus is the lifecycle state of an ExportJob.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
	ExportCancelled  ExportStatus = "cancelled"
)

// VisualizationOptions controls overlay rendering during export (spec.md §6).
type VisualizationOptions struct {
	ShowNumbers     bool
	ExternalColor   string
	InternalColor   string
	StrokeWidth     int
	FontSize        int
	Transparency    float64
}

// ExportOptions is the closed export-options schema of spec.md §6.
type ExportOptions struct {
	IncludeOriginalImages bool
	IncludeVisualizations bool
	Visualization         VisualizationOptions
	AnnotationFormats     []string // subset of {coco, yolo, json}
	MetricsFormats        []string // subset of {excel, csv, json}
	IncludeDocumentation  bool
	SelectedImageIDs      []string // empty = all images in the project
	PixelToMicrometerScale *float64
}

// ExportJob is one run of the archive-assembly pipeline.
type ExportJob struct {
	ID           string
	ProjectID    string
	UserID       string
	Options      ExportOptions
	Status       ExportStatus
	Phase        ExportPhase
	Progress     int // [0,100]
	ArtifactPath string
	Checksum     string
	StartedAt    time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	ErrorCode    string
	ErrorMsg     string
}

// ShareStatus is the lifecycle state of a ProjectShare.
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
	ShareExpired  ShareStatus = "expired"
	ShareRevoked  ShareStatus = "revoked"
)

// ProjectShare grants a non-owner user read access to a project. The share
// token is stored hashed (argon2id); TokenHash never leaves the Store.
type ProjectShare struct {
	ID            string
	ProjectID     string
	SharedByID    string
	Email         string
	SharedWithID  string
	TokenHash     string
	TokenExpiry   *time.Time
	Status        ShareStatus
	CreatedAt     time.Time
}

// QueueStats aggregates counts and estimated wait time for a project or user
// scope (spec.md §4.1 "stats").
type QueueStats struct {
	ScopeID           string
	Queued            int
	Processing        int
	Completed         int
	Failed            int
	Cancelled         int
	EstimatedWaitSecs float64
}

// DashboardMetrics summarizes a user's projects for the dashboard view
// (spec.md §4.7).
type DashboardMetrics struct {
	UserID          string
	TotalProjects   int
	TotalImages     int
	SegmentedImages int
	QueueStats      QueueStats
}

// PolygonMetrics holds per-polygon measurements computed during export's
// metrics phase (spec.md §4.3).
type PolygonMetrics struct {
	ImageID          string
	PolygonIndex     int
	Area             float64
	Perimeter        float64
	Circularity      float64
	FeretMin         float64
	FeretMax         float64
	EquivalentDiameter float64
}
