// Package memory provides an in-memory domain.Store used by package tests
// that exercise queue, export, and sharing logic without a database.
//
// WithTxn does not provide cross-call isolation: each exported method takes
// its own lock, so fn's sub-calls interleave with any other goroutine the
// same way they would outside a transaction. That is enough to exercise CAS
// and ordering invariants in unit tests; it is not a serializability
// simulator.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/segforge/segcore/internal/domain"
)

// Store is a goroutine-safe, in-memory implementation of domain.Store.
type Store struct {
	mu sync.Mutex

	users    map[string]domain.User
	projects map[string]domain.Project
	images   map[string]domain.Image
	segs     map[string]domain.Segmentation // keyed by imageID
	queue    map[string]domain.QueueItem
	exports  map[string]domain.ExportJob
	shares   map[string]domain.ProjectShare
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:    map[string]domain.User{},
		projects: map[string]domain.Project{},
		images:   map[string]domain.Image{},
		segs:     map[string]domain.Segmentation{},
		queue:    map[string]domain.QueueItem{},
		exports:  map[string]domain.ExportJob{},
		shares:   map[string]domain.ProjectShare{},
	}
}

// WithTxn runs fn against the same Store; see package doc for the isolation
// caveat.
func (s *Store) WithTxn(ctx domain.Context, fn func(domain.Context) error) error {
	return fn(ctx)
}

func newID(given string) string {
	if given != "" {
		return given
	}
	return uuid.New().String()
}

func nowUTC() time.Time { return time.Now().UTC() }

// --- users / projects ---

func (s *Store) CreateUser(ctx domain.Context, u domain.User) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = newID(u.ID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = nowUTC()
	}
	s.users[u.ID] = u
	return u.ID, nil
}

func (s *Store) GetUser(ctx domain.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (s *Store) CreateProject(ctx domain.Context, p domain.Project) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = newID(p.ID)
	now := nowUTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.projects[p.ID] = p
	return p.ID, nil
}

func (s *Store) GetProject(ctx domain.Context, id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("op=project.get: %w", domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListProjectsByOwner(ctx domain.Context, ownerID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- images / segmentations ---

func (s *Store) CreateImage(ctx domain.Context, img domain.Image) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img.ID = newID(img.ID)
	if img.Status == "" {
		img.Status = domain.SegNone
	}
	now := nowUTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	s.images[img.ID] = img
	return img.ID, nil
}

func (s *Store) GetImage(ctx domain.Context, id string) (domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return domain.Image{}, fmt.Errorf("op=image.get: %w", domain.ErrNotFound)
	}
	return img, nil
}

func (s *Store) ListImages(ctx domain.Context, projectID string, ids []string) ([]domain.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.Image
	for _, img := range s.images {
		if img.ProjectID != projectID {
			continue
		}
		if len(want) > 0 && !want[img.ID] {
			continue
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateImageStatus(ctx domain.Context, imageID string, expected, next domain.SegmentationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return fmt.Errorf("op=image.updatestatus: %w", domain.ErrNotFound)
	}
	if img.Status != expected {
		return fmt.Errorf("op=image.updatestatus: %w", domain.ErrConflict)
	}
	img.Status = next
	img.UpdatedAt = nowUTC()
	s.images[imageID] = img
	return nil
}

func (s *Store) SetImageThumbnails(ctx domain.Context, imageID, thumbnailPath, segThumbnailPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[imageID]
	if !ok {
		return fmt.Errorf("op=image.setthumbnails: %w", domain.ErrNotFound)
	}
	img.ThumbnailPath = thumbnailPath
	img.SegThumbnailPath = segThumbnailPath
	img.UpdatedAt = nowUTC()
	s.images[imageID] = img
	return nil
}

func (s *Store) PutSegmentation(ctx domain.Context, seg domain.Segmentation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg.ID = newID(seg.ID)
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = nowUTC()
	}
	s.segs[seg.ImageID] = seg
	return nil
}

func (s *Store) GetSegmentation(ctx domain.Context, imageID string) (domain.Segmentation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segs[imageID]
	if !ok {
		return domain.Segmentation{}, fmt.Errorf("op=segmentation.get: %w", domain.ErrNotFound)
	}
	return seg, nil
}

// --- queue items ---

func (s *Store) EnqueueItems(ctx domain.Context, items []domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		for _, existing := range s.queue {
			if existing.ImageID == it.ImageID && (existing.Status == domain.QueueQueued || existing.Status == domain.QueueProcessing) {
				return fmt.Errorf("op=queue.enqueue: image %s already queued or processing: %w", it.ImageID, domain.ErrConflict)
			}
		}
	}
	for _, it := range items {
		it.ID = newID(it.ID)
		if it.Status == "" {
			it.Status = domain.QueueQueued
		}
		if it.EnqueuedAt.IsZero() {
			it.EnqueuedAt = nowUTC()
		}
		s.queue[it.ID] = it
	}
	return nil
}

func (s *Store) GetQueueItem(ctx domain.Context, id string) (domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queue[id]
	if !ok {
		return domain.QueueItem{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
	}
	return it, nil
}

func (s *Store) ClaimNextQueueItems(ctx domain.Context, userID string, limit int) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []domain.QueueItem
	for _, it := range s.queue {
		if it.UserID == userID && it.Status == domain.QueueQueued {
			candidates = append(candidates, it)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].EnqueuedAt.Equal(candidates[j].EnqueuedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	now := nowUTC()
	for i := range candidates {
		candidates[i].Status = domain.QueueProcessing
		candidates[i].StartedAt = &now
		s.queue[candidates[i].ID] = candidates[i]
	}
	return candidates, nil
}

func (s *Store) UsersWithQueuedItems(ctx domain.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, it := range s.queue {
		if it.Status == domain.QueueQueued {
			seen[it.UserID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) TransitionQueueItem(ctx domain.Context, id string, expected, next domain.QueueItemStatus, errCode, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.queue[id]
	if !ok {
		return fmt.Errorf("op=queue.transition: %w", domain.ErrNotFound)
	}
	if it.Status != expected {
		return fmt.Errorf("op=queue.transition: %w", domain.ErrConflict)
	}
	it.Status = next
	it.ErrorCode = errCode
	it.ErrorMsg = errMsg
	if next == domain.QueueCompleted || next == domain.QueueFailed || next == domain.QueueCancelled {
		now := nowUTC()
		it.CompletedAt = &now
	}
	s.queue[id] = it
	return nil
}

func (s *Store) CancelQueuedItems(ctx domain.Context, ids []string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled, skipped []string
	now := nowUTC()
	for _, id := range ids {
		it, ok := s.queue[id]
		if !ok || it.Status != domain.QueueQueued {
			skipped = append(skipped, id)
			continue
		}
		it.Status = domain.QueueCancelled
		it.CompletedAt = &now
		s.queue[id] = it
		cancelled = append(cancelled, id)
	}
	return cancelled, skipped, nil
}

func (s *Store) ListQueueItems(ctx domain.Context, filter domain.QueueItemFilter) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := map[domain.QueueItemStatus]bool{}
	for _, st := range filter.Statuses {
		statuses[st] = true
	}
	var out []domain.QueueItem
	for _, it := range s.queue {
		if filter.UserID != "" && it.UserID != filter.UserID {
			continue
		}
		if filter.ProjectID != "" && it.ProjectID != filter.ProjectID {
			continue
		}
		if len(statuses) > 0 && !statuses[it.Status] {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (s *Store) CountQueueItemsByStatus(ctx domain.Context, projectID, userID string) (map[domain.QueueItemStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.QueueItemStatus]int{}
	for _, it := range s.queue {
		if projectID != "" && it.ProjectID != projectID {
			continue
		}
		if userID != "" && it.UserID != userID {
			continue
		}
		out[it.Status]++
	}
	return out, nil
}

func (s *Store) PurgeCompletedQueueItems(ctx domain.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, it := range s.queue {
		terminal := it.Status == domain.QueueCompleted || it.Status == domain.QueueFailed || it.Status == domain.QueueCancelled
		if terminal && it.CompletedAt != nil && it.CompletedAt.Before(olderThan) {
			delete(s.queue, id)
			n++
		}
	}
	return n, nil
}

// --- export jobs ---

func (s *Store) CreateExportJob(ctx domain.Context, job domain.ExportJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = newID(job.ID)
	if job.Status == "" {
		job.Status = domain.ExportPending
	}
	if job.Phase == "" {
		job.Phase = domain.PhaseQueued
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = nowUTC()
	}
	s.exports[job.ID] = job
	return job.ID, nil
}

func (s *Store) GetExportJob(ctx domain.Context, id string) (domain.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exports[id]
	if !ok {
		return domain.ExportJob{}, fmt.Errorf("op=export.get: %w", domain.ErrNotFound)
	}
	return job, nil
}

func (s *Store) UpdateExportProgress(ctx domain.Context, id string, phase domain.ExportPhase, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("op=export.updateprogress: %w", domain.ErrNotFound)
	}
	if job.Status != domain.ExportProcessing {
		return fmt.Errorf("op=export.updateprogress: %w", domain.ErrConflict)
	}
	job.Phase = phase
	job.Progress = progress
	s.exports[id] = job
	return nil
}

func (s *Store) TransitionExportJob(ctx domain.Context, id string, expected []domain.ExportStatus, next domain.ExportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("op=export.transition: %w", domain.ErrNotFound)
	}
	matched := false
	for _, e := range expected {
		if job.Status == e {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("op=export.transition: %w", domain.ErrConflict)
	}
	job.Status = next
	if next == domain.ExportCancelled {
		now := nowUTC()
		job.CancelledAt = &now
	}
	s.exports[id] = job
	return nil
}

func (s *Store) CompleteExportJob(ctx domain.Context, id, artifactPath, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("op=export.complete: %w", domain.ErrNotFound)
	}
	if job.Status != domain.ExportProcessing {
		return fmt.Errorf("op=export.complete: %w", domain.ErrConflict)
	}
	now := nowUTC()
	job.Status = domain.ExportCompleted
	job.Phase = domain.PhaseReady
	job.Progress = 100
	job.ArtifactPath = artifactPath
	job.Checksum = checksum
	job.CompletedAt = &now
	s.exports[id] = job
	return nil
}

func (s *Store) FailExportJob(ctx domain.Context, id, errCode, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.exports[id]
	if !ok {
		return fmt.Errorf("op=export.fail: %w", domain.ErrNotFound)
	}
	if job.Status != domain.ExportProcessing {
		return fmt.Errorf("op=export.fail: %w", domain.ErrConflict)
	}
	now := nowUTC()
	job.Status = domain.ExportFailed
	job.ErrorCode = errCode
	job.ErrorMsg = errMsg
	job.CompletedAt = &now
	s.exports[id] = job
	return nil
}

func (s *Store) ListExportJobs(ctx domain.Context, filter domain.ExportJobFilter) ([]domain.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExportJob
	for _, job := range s.exports {
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		if filter.ProjectID != "" && job.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) ListInterruptedExportJobs(ctx domain.Context) ([]domain.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExportJob
	for _, job := range s.exports {
		if job.Status == domain.ExportPending || job.Status == domain.ExportProcessing {
			out = append(out, job)
		}
	}
	return out, nil
}

// --- shares ---

func (s *Store) CreateShare(ctx domain.Context, sh domain.ProjectShare) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh.ID = newID(sh.ID)
	if sh.Status == "" {
		sh.Status = domain.SharePending
	}
	if sh.CreatedAt.IsZero() {
		sh.CreatedAt = nowUTC()
	}
	s.shares[sh.ID] = sh
	return sh.ID, nil
}

func (s *Store) GetShareByToken(ctx domain.Context, tokenHash string) (domain.ProjectShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range s.shares {
		if sh.TokenHash == tokenHash {
			return sh, nil
		}
	}
	return domain.ProjectShare{}, fmt.Errorf("op=share.getbytoken: %w", domain.ErrNotFound)
}

func (s *Store) AcceptShare(ctx domain.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shares[id]
	if !ok {
		return fmt.Errorf("op=share.accept: %w", domain.ErrNotFound)
	}
	if sh.Status != domain.SharePending {
		return fmt.Errorf("op=share.accept: %w", domain.ErrConflict)
	}
	sh.Status = domain.ShareAccepted
	sh.SharedWithID = userID
	s.shares[id] = sh
	return nil
}

func (s *Store) RevokeShare(ctx domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shares[id]
	if !ok {
		return fmt.Errorf("op=share.revoke: %w", domain.ErrNotFound)
	}
	if sh.Status != domain.SharePending && sh.Status != domain.ShareAccepted {
		return fmt.Errorf("op=share.revoke: %w", domain.ErrConflict)
	}
	sh.Status = domain.ShareRevoked
	s.shares[id] = sh
	return nil
}

func (s *Store) ListSharesForProject(ctx domain.Context, projectID string) ([]domain.ProjectShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProjectShare
	for _, sh := range s.shares {
		if sh.ProjectID == projectID {
			out = append(out, sh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListAcceptedShareRecipients(ctx domain.Context, projectID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sh := range s.shares {
		if sh.ProjectID == projectID && sh.Status == domain.ShareAccepted {
			out = append(out, sh.SharedWithID)
		}
	}
	return out, nil
}

func (s *Store) HasAccess(ctx domain.Context, projectID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[projectID]; ok && p.OwnerID == userID {
		return true, nil
	}
	for _, sh := range s.shares {
		if sh.ProjectID == projectID && sh.SharedWithID == userID && sh.Status == domain.ShareAccepted {
			return true, nil
		}
	}
	return false, nil
}
