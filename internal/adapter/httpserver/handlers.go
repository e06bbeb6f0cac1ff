package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/segforge/segcore/internal/domain"
)

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// writeUpload writes an already-read head buffer followed by the remainder
// of body to path, avoiding a second read of the sniffed bytes.
func writeUpload(path string, head []byte, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(head); err != nil {
		return err
	}
	_, err = io.Copy(f, body)
	return err
}

var validate = validator.New()

func userIDFrom(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := userIDFrom(r)
	if uid == "" {
		writeError(w, r, domain.ErrUnauthorized, nil)
		return "", false
	}
	return uid, true
}

// requireAccess enforces spec.md §8 property 7: a caller may act on
// projectID only if they own it or hold an accepted ProjectShare.
func (s *Server) requireAccess(w http.ResponseWriter, r *http.Request, userID, projectID string) bool {
	if s.share == nil {
		return true
	}
	ok, err := s.share.HasAccess(r.Context(), projectID, userID)
	if err != nil {
		writeError(w, r, err, nil)
		return false
	}
	if !ok {
		writeError(w, r, domain.ErrForbidden, nil)
		return false
	}
	return true
}

// --- segmentation queue ---

type enqueueBatchRequest struct {
	ImageIDs    []string `json:"imageIds" validate:"required,min=1,dive,required"`
	Model       string   `json:"model" validate:"required"`
	Threshold   float64  `json:"threshold" validate:"min=0,max=1"`
	DetectHoles bool     `json:"detectHoles"`
}

// EnqueueSegmentationBatchHandler implements POST
// /projects/{p}/segmentation/batch (spec.md §6).
func (s *Server) EnqueueSegmentationBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projectID := chi.URLParam(r, "p")
		if !s.requireAccess(w, r, userID, projectID) {
			return
		}
		var req enqueueBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, err.Error())
			return
		}
		batchID, itemIDs, err := s.queue.EnqueueBatch(r.Context(), userID, projectID, req.ImageIDs, req.Model, req.Threshold, req.DetectHoles)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"batchId": batchID, "itemIds": itemIDs})
	}
}

// CancelQueueItemHandler implements DELETE /queue/items/{id}.
func (s *Server) CancelQueueItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		cancelled, skipped, err := s.queue.CancelItems(r.Context(), userID, []string{id})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if len(skipped) > 0 {
			writeJSON(w, http.StatusConflict, map[string]any{"cancelled": cancelled, "skipped": skipped})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
	}
}

// CancelProjectQueueHandler implements DELETE /projects/{p}/queue, returning
// 207 when some items were skipped because they were already processing.
func (s *Server) CancelProjectQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projectID := chi.URLParam(r, "p")
		if !s.requireAccess(w, r, userID, projectID) {
			return
		}
		cancelled, skipped, err := s.queue.CancelProject(r.Context(), userID, projectID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusOK
		if len(skipped) > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, map[string]any{"cancelled": cancelled, "skipped": skipped})
	}
}

// QueueStatsHandler implements the QueueEngine "stats" contract for a
// project scope.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "p")
		st, err := s.queue.ProjectStats(r.Context(), projectID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// --- export ---

type exportOptionsRequest struct {
	IncludeOriginalImages bool     `json:"includeOriginalImages"`
	IncludeVisualizations bool     `json:"includeVisualizations"`
	Visualization         struct {
		ShowNumbers   bool    `json:"showNumbers"`
		ExternalColor string  `json:"externalColor"`
		InternalColor string  `json:"internalColor"`
		StrokeWidth   int     `json:"strokeWidth" validate:"omitempty,min=1,max=10"`
		FontSize      int     `json:"fontSize" validate:"omitempty,min=10,max=30"`
		Transparency  float64 `json:"transparency" validate:"min=0,max=1"`
	} `json:"visualizationOptions"`
	AnnotationFormats      []string `json:"annotationFormats" validate:"dive,oneof=coco yolo json"`
	MetricsFormats         []string `json:"metricsFormats" validate:"dive,oneof=excel csv json"`
	IncludeDocumentation   bool     `json:"includeDocumentation"`
	SelectedImageIDs       []string `json:"selectedImageIds"`
	PixelToMicrometerScale *float64 `json:"pixelToMicrometerScale" validate:"omitempty,gt=0"`
}

func (req exportOptionsRequest) toDomain() domain.ExportOptions {
	return domain.ExportOptions{
		IncludeOriginalImages: req.IncludeOriginalImages,
		IncludeVisualizations: req.IncludeVisualizations,
		Visualization: domain.VisualizationOptions{
			ShowNumbers:   req.Visualization.ShowNumbers,
			ExternalColor: req.Visualization.ExternalColor,
			InternalColor: req.Visualization.InternalColor,
			StrokeWidth:   req.Visualization.StrokeWidth,
			FontSize:      req.Visualization.FontSize,
			Transparency:  req.Visualization.Transparency,
		},
		AnnotationFormats:      req.AnnotationFormats,
		MetricsFormats:         req.MetricsFormats,
		IncludeDocumentation:   req.IncludeDocumentation,
		SelectedImageIDs:       req.SelectedImageIDs,
		PixelToMicrometerScale: req.PixelToMicrometerScale,
	}
}

// StartExportHandler implements POST /projects/{p}/export.
func (s *Server) StartExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projectID := chi.URLParam(r, "p")
		if !s.requireAccess(w, r, userID, projectID) {
			return
		}
		var req exportOptionsRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, err.Error())
			return
		}
		jobID, err := s.export.StartExport(r.Context(), userID, projectID, req.toDomain())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	}
}

// ExportStatusHandler implements GET /projects/{p}/export/{job}/status.
func (s *Server) ExportStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job")
		job, err := s.export.Status(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelExportHandler implements POST /projects/{p}/export/{job}/cancel,
// idempotent per spec.md §6.
func (s *Server) CancelExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job")
		if err := s.export.Cancel(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(domain.ExportCancelled)})
	}
}

// DownloadExportHandler implements GET /projects/{p}/export/{job}/download.
func (s *Server) DownloadExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job")
		path, err := s.export.DownloadPath(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		http.ServeFile(w, r, path)
	}
}

// --- projects & images ---

type createProjectRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// CreateProjectHandler implements POST /projects.
func (s *Server) CreateProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req createProjectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || validate.Struct(req) != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		id, err := s.store.CreateProject(r.Context(), domain.Project{OwnerID: userID, Name: req.Name, Description: req.Description})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// ListProjectsHandler implements GET /projects for the calling user.
func (s *Server) ListProjectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projects, err := s.store.ListProjectsByOwner(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	}
}

const maxUploadImageBytes = 50 << 20

// UploadImageHandler implements POST /projects/{p}/images: a single
// multipart "file" field, sniffed with gabriel-vasile/mimetype before the
// Store ever sees it (SPEC_FULL §2's "sniff and validate uploaded
// original-image MIME").
func (s *Server) UploadImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projectID := chi.URLParam(r, "p")
		if !s.requireAccess(w, r, userID, projectID) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadImageBytes)
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		defer file.Close()

		head := make([]byte, 3072)
		n, _ := io.ReadFull(file, head)
		mt := mimetype.Detect(head[:n])
		if !isAllowedImageMIME(mt.String()) {
			writeError(w, r, domain.ErrInvalidArgument, "unsupported image type: "+mt.String())
			return
		}

		destDir := s.cfg.UploadDir + "/" + userID + "/" + projectID + "/images"
		if err := ensureDir(destDir); err != nil {
			writeError(w, r, domain.ErrInternal, nil)
			return
		}
		imageID := uuid.New().String()
		destPath := destDir + "/" + imageID + mt.Extension()
		if err := writeUpload(destPath, head[:n], file); err != nil {
			writeError(w, r, domain.ErrInternal, nil)
			return
		}

		id, err := s.store.CreateImage(r.Context(), domain.Image{ID: imageID, ProjectID: projectID, OriginalPath: destPath, Status: domain.SegNone})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if s.agg != nil {
			s.agg.NotifyProject(projectID)
			s.agg.NotifyUser(userID)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func isAllowedImageMIME(mt string) bool {
	switch mt {
	case "image/png", "image/jpeg", "image/tiff", "image/bmp":
		return true
	default:
		return false
	}
}

// --- sharing ---

type inviteShareRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// InviteShareHandler implements POST /projects/{p}/shares.
func (s *Server) InviteShareHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		projectID := chi.URLParam(r, "p")
		if !s.requireAccess(w, r, userID, projectID) {
			return
		}
		var req inviteShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || validate.Struct(req) != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		shareID, rawToken, err := s.share.Invite(r.Context(), projectID, userID, req.Email)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": shareID, "token": rawToken})
	}
}

type acceptShareRequest struct {
	Token string `json:"token" validate:"required"`
}

// AcceptShareHandler implements POST /shares/accept.
func (s *Server) AcceptShareHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req acceptShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || validate.Struct(req) != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		sh, err := s.share.Accept(r.Context(), req.Token, userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sh)
	}
}

// --- reconciliation ---

// QueueItemStatusHandler implements GET /queue/items/{id}/status: a
// reconnecting client's way of asking for an item's last terminal status
// instead of replaying the whole realtime event stream (spec.md §4.4).
func (s *Server) QueueItemStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		status, found, err := s.recon.QueueItemStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !found {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}

type reconcileQueueItemsRequest struct {
	ItemIDs []string `json:"itemIds" validate:"required,min=1,dive,required"`
}

// ReconcileQueueItemsHandler implements POST /queue/items/reconcile: bulk
// status lookup for a client's full set of last-known item ids on reconnect.
func (s *Server) ReconcileQueueItemsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reconcileQueueItemsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, domain.ErrInvalidArgument, err.Error())
			return
		}
		statuses, err := s.recon.ReconcileQueueItems(r.Context(), req.ItemIDs)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

// ExportJobStatusHandler implements GET /export/jobs/{job}/status, the
// reconciliation counterpart to ExportStatusHandler for a client that only
// knows the job id (no project scope) after reconnecting.
func (s *Server) ExportJobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job")
		status, found, err := s.recon.ExportJobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !found {
			writeError(w, r, domain.ErrNotFound, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID, "status": string(status)})
	}
}

// RevokeShareHandler implements DELETE /shares/{id}.
func (s *Server) RevokeShareHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.share.Revoke(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.ShareRevoked)})
	}
}
