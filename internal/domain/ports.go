package domain

import "time"

// Store is the durable persistence port. Implementations provide
// transactional primitives and CAS-guarded status transitions (spec.md
// §4.1). Production: Postgres via pgx. Test: an in-memory variant.
//
//go:generate mockery --name=Store --with-expecter --filename=store_mock.go
type Store interface {
	WithTxn(ctx Context, fn func(Context) error) error

	CreateUser(ctx Context, u User) (string, error)
	GetUser(ctx Context, id string) (User, error)

	CreateProject(ctx Context, p Project) (string, error)
	GetProject(ctx Context, id string) (Project, error)
	ListProjectsByOwner(ctx Context, ownerID string) ([]Project, error)

	CreateImage(ctx Context, img Image) (string, error)
	GetImage(ctx Context, id string) (Image, error)
	ListImages(ctx Context, projectID string, ids []string) ([]Image, error)
	// UpdateImageStatus performs a CAS update: it succeeds only if the
	// image's current status equals expected, else returns ErrConflict.
	UpdateImageStatus(ctx Context, imageID string, expected, next SegmentationStatus) error
	SetImageThumbnails(ctx Context, imageID, thumbnailPath, segThumbnailPath string) error

	PutSegmentation(ctx Context, seg Segmentation) error
	GetSegmentation(ctx Context, imageID string) (Segmentation, error)

	// EnqueueItems creates QueueItems in 'queued' state inside one
	// transaction. Returns ErrConflict if any image already has an item in
	// {queued, processing}.
	EnqueueItems(ctx Context, items []QueueItem) error
	GetQueueItem(ctx Context, id string) (QueueItem, error)
	// ClaimNextQueueItems atomically moves up to limit items for userID from
	// queued to processing and returns them, ordered by enqueuedAt then id.
	ClaimNextQueueItems(ctx Context, userID string, limit int) ([]QueueItem, error)
	// UsersWithQueuedItems lists distinct user ids that currently have at
	// least one queued item, used by the dispatcher's weighted round robin.
	UsersWithQueuedItems(ctx Context) ([]string, error)
	// TransitionQueueItem performs a CAS status transition, returns
	// ErrConflict if the item's current status != expected.
	TransitionQueueItem(ctx Context, id string, expected, next QueueItemStatus, errCode, errMsg string) error
	// CancelQueuedItems marks all queued items among ids as cancelled;
	// processing items are left untouched and returned as skipped.
	CancelQueuedItems(ctx Context, ids []string) (cancelled []string, skipped []string, err error)
	ListQueueItems(ctx Context, filter QueueItemFilter) ([]QueueItem, error)
	CountQueueItemsByStatus(ctx Context, projectID string, userID string) (map[QueueItemStatus]int, error)
	PurgeCompletedQueueItems(ctx Context, olderThan time.Time) (int64, error)

	CreateExportJob(ctx Context, job ExportJob) (string, error)
	GetExportJob(ctx Context, id string) (ExportJob, error)
	UpdateExportProgress(ctx Context, id string, phase ExportPhase, progress int) error
	// TransitionExportJob performs a CAS status transition; used so that a
	// cancellation is authoritative over a racing completion (spec.md §4.4).
	TransitionExportJob(ctx Context, id string, expected []ExportStatus, next ExportStatus) error
	CompleteExportJob(ctx Context, id, artifactPath, checksum string) error
	FailExportJob(ctx Context, id, errCode, errMsg string) error
	ListExportJobs(ctx Context, filter ExportJobFilter) ([]ExportJob, error)
	// ListInterruptedExportJobs returns jobs left in a non-terminal state,
	// used by the restart-time sweep (spec.md §4.3 Resumption).
	ListInterruptedExportJobs(ctx Context) ([]ExportJob, error)

	CreateShare(ctx Context, s ProjectShare) (string, error)
	GetShareByToken(ctx Context, tokenHash string) (ProjectShare, error)
	AcceptShare(ctx Context, id, userID string) error
	RevokeShare(ctx Context, id string) error
	ListSharesForProject(ctx Context, projectID string) ([]ProjectShare, error)
	ListAcceptedShareRecipients(ctx Context, projectID string) ([]string, error)
	// HasAccess reports whether userID may read projectID, i.e. owns it or
	// holds an accepted ProjectShare (spec.md §8 property 7).
	HasAccess(ctx Context, projectID, userID string) (bool, error)
}

// QueueItemFilter narrows ListQueueItems; zero-value fields are unfiltered.
type QueueItemFilter struct {
	UserID    string
	ProjectID string
	Statuses  []QueueItemStatus
}

// ExportJobFilter narrows ListExportJobs; zero-value fields are unfiltered.
type ExportJobFilter struct {
	UserID    string
	ProjectID string
}

// ProgressStage is one phase of a single inference run (spec.md §4.2).
type ProgressStage string

const (
	StagePreprocessing  ProgressStage = "preprocessing"
	StageInference      ProgressStage = "inference"
	StagePostprocessing ProgressStage = "postprocessing"
	StageSaving         ProgressStage = "saving"
)

// InferenceProgress is one progress callback from the inference backend.
type InferenceProgress struct {
	Stage    ProgressStage
	Progress int // monotonically non-decreasing within one run
}

// InferenceResult is the successful outcome of one inference run.
type InferenceResult struct {
	Polygons []Polygon
	Duration time.Duration
}

// InferenceClient is a thin, retrying client to the external ML service. It
// streams progress callbacks while the run is in flight (spec.md §4's
// "InferenceClient" leaf).
//
//go:generate mockery --name=InferenceClient --with-expecter --filename=inference_client_mock.go
type InferenceClient interface {
	Run(ctx Context, imagePath, model string, threshold float64, detectHoles bool, onProgress func(InferenceProgress)) (InferenceResult, error)
}

// RenderEngine rasterizes polygon overlays and numbered labels onto images
// for thumbnails and export visualizations (spec.md §4.6).
type RenderEngine interface {
	// RenderOverlay composites polygons onto the source image at sourcePath
	// honoring opts, writing the result to destPath.
	RenderOverlay(ctx Context, sourcePath, destPath string, polygons []Polygon, opts VisualizationOptions) error
	// RenderThumbnail composites the overlay at original resolution then
	// downsamples to maxDim with high-quality filtering.
	RenderThumbnail(ctx Context, sourcePath, destPath string, polygons []Polygon, opts VisualizationOptions, maxDim int) error
}

// EventName is one of the closed set of realtime event names (spec.md §6).
type EventName string

const (
	EventSegmentationStatus    EventName = "segmentationStatus"
	EventSegmentationUpdate    EventName = "segmentationUpdate"
	EventSegmentationProgress  EventName = "segmentationProgress"
	EventSegmentationCompleted EventName = "segmentationCompleted"
	EventSegmentationFailed    EventName = "segmentationFailed"
	EventQueueStats            EventName = "queueStats"
	EventQueueUpdate           EventName = "queueUpdate"
	EventQueuePosition         EventName = "queuePosition"
	EventProjectStatsUpdate    EventName = "projectStatsUpdate"
	EventDashboardMetrics      EventName = "dashboardMetricsUpdate"
	EventSharedProjectUpdate   EventName = "sharedProjectUpdate"
	EventExportStarted         EventName = "export:started"
	EventExportProgress        EventName = "export:progress"
	EventExportPhaseChanged    EventName = "export:phase-changed"
	EventExportCompleted       EventName = "export:completed"
	EventExportFailed          EventName = "export:failed"
	EventExportCancelled       EventName = "export:cancelled"
	EventError                 EventName = "error"
)

// Event is one message published on the bus: a name, a typed payload, and a
// server timestamp. Events are fire-and-forget; the bus does not persist
// them (spec.md §4.5).
type Event struct {
	Name      EventName
	Payload   any
	Timestamp time.Time
}

// EventBus is room-keyed pub/sub with per-session delivery (spec.md §4.5).
// Rooms: user:{userId}, project:{projectId}, batch:{batchId},
// export:{jobId}.
type EventBus interface {
	// Join registers sessionID as a member of room and returns a channel the
	// caller should range over to receive events until Leave is called.
	Join(room, sessionID string) <-chan Event
	Leave(room, sessionID string)
	// Publish is non-blocking and fire-and-forget; slow consumers are
	// dropped after a bounded send timeout rather than blocking the
	// publisher (Design Notes, "EventBus abstraction").
	Publish(room string, ev Event)
	Close() error
}
