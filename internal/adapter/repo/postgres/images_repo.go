package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
)

// CreateImage inserts a new image in status 'none' and returns its id.
func (s *Store) CreateImage(ctx domain.Context, img domain.Image) (string, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "images"))

	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	if img.Status == "" {
		img.Status = domain.SegNone
	}
	now := nowUTC()
	q := `INSERT INTO images (id, project_id, original_path, thumbnail_path, seg_thumbnail_path, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.withExecutor(ctx).Exec(ctx, q, id, img.ProjectID, img.OriginalPath, img.ThumbnailPath, img.SegThumbnailPath, img.Status, now, now)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	return id, nil
}

// GetImage loads an image by id.
func (s *Store) GetImage(ctx domain.Context, id string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Get")
	defer span.End()

	var img domain.Image
	q := `SELECT id, project_id, original_path, thumbnail_path, seg_thumbnail_path, status, created_at, updated_at
	      FROM images WHERE id=$1`
	err := s.withExecutor(ctx).QueryRow(ctx, q, id).Scan(
		&img.ID, &img.ProjectID, &img.OriginalPath, &img.ThumbnailPath, &img.SegThumbnailPath, &img.Status, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return domain.Image{}, wrapNotFound("image.get", err)
	}
	return img, nil
}

// ListImages loads images for a project, optionally narrowed to ids.
func (s *Store) ListImages(ctx domain.Context, projectID string, ids []string) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.List")
	defer span.End()

	var rows pgx.Rows
	var err error
	if len(ids) == 0 {
		q := `SELECT id, project_id, original_path, thumbnail_path, seg_thumbnail_path, status, created_at, updated_at
		      FROM images WHERE project_id=$1 ORDER BY created_at`
		rows, err = s.withExecutor(ctx).Query(ctx, q, projectID)
	} else {
		q := `SELECT id, project_id, original_path, thumbnail_path, seg_thumbnail_path, status, created_at, updated_at
		      FROM images WHERE project_id=$1 AND id = ANY($2) ORDER BY created_at`
		rows, err = s.withExecutor(ctx).Query(ctx, q, projectID, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("op=image.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Image
	for rows.Next() {
		var img domain.Image
		if err := rows.Scan(&img.ID, &img.ProjectID, &img.OriginalPath, &img.ThumbnailPath, &img.SegThumbnailPath, &img.Status, &img.CreatedAt, &img.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=image.list.scan: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// UpdateImageStatus performs a CAS status transition.
func (s *Store) UpdateImageStatus(ctx domain.Context, imageID string, expected, next domain.SegmentationStatus) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.UpdateStatus")
	defer span.End()

	q := `UPDATE images SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, next, nowUTC(), imageID, expected)
	if err != nil {
		return fmt.Errorf("op=image.updatestatus: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=image.updatestatus: %w", domain.ErrConflict)
	}
	return nil
}

// SetImageThumbnails sets both thumbnail paths, used once segmentation completes.
func (s *Store) SetImageThumbnails(ctx domain.Context, imageID, thumbnailPath, segThumbnailPath string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetThumbnails")
	defer span.End()

	q := `UPDATE images SET thumbnail_path=$1, seg_thumbnail_path=$2, updated_at=$3 WHERE id=$4`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, thumbnailPath, segThumbnailPath, nowUTC(), imageID)
	if err != nil {
		return fmt.Errorf("op=image.setthumbnails: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=image.setthumbnails: %w", domain.ErrNotFound)
	}
	return nil
}

type polygonsJSON struct {
	Points   [][2]float64 `json:"points"`
	Internal bool         `json:"internal"`
}

func marshalPolygons(polys []domain.Polygon) ([]byte, error) {
	out := make([]polygonsJSON, len(polys))
	for i, p := range polys {
		pts := make([][2]float64, len(p.Points))
		for j, pt := range p.Points {
			pts[j] = [2]float64{pt.X, pt.Y}
		}
		out[i] = polygonsJSON{Points: pts, Internal: p.Internal}
	}
	return json.Marshal(out)
}

func unmarshalPolygons(raw []byte) ([]domain.Polygon, error) {
	var in []polygonsJSON
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make([]domain.Polygon, len(in))
	for i, p := range in {
		pts := make([]domain.Point, len(p.Points))
		for j, pt := range p.Points {
			pts[j] = domain.Point{X: pt[0], Y: pt[1]}
		}
		out[i] = domain.Polygon{Points: pts, Internal: p.Internal}
	}
	return out, nil
}

// PutSegmentation replaces any existing segmentation for seg.ImageID (upsert).
func (s *Store) PutSegmentation(ctx domain.Context, seg domain.Segmentation) error {
	tracer := otel.Tracer("repo.segmentations")
	ctx, span := tracer.Start(ctx, "segmentations.Put")
	defer span.End()

	id := seg.ID
	if id == "" {
		id = uuid.New().String()
	}
	polyJSON, err := marshalPolygons(seg.Polygons)
	if err != nil {
		return fmt.Errorf("op=segmentation.put.marshal: %w", err)
	}
	q := `INSERT INTO segmentations (id, image_id, polygons, model, threshold, detect_holes, duration_ms, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (image_id) DO UPDATE SET
	        id=EXCLUDED.id, polygons=EXCLUDED.polygons, model=EXCLUDED.model,
	        threshold=EXCLUDED.threshold, detect_holes=EXCLUDED.detect_holes,
	        duration_ms=EXCLUDED.duration_ms, created_at=EXCLUDED.created_at`
	_, err = s.withExecutor(ctx).Exec(ctx, q, id, seg.ImageID, polyJSON, seg.Model, seg.Threshold, seg.DetectHoles, seg.Duration.Milliseconds(), nowUTC())
	if err != nil {
		return fmt.Errorf("op=segmentation.put: %w", err)
	}
	return nil
}

// GetSegmentation loads the current segmentation for an image.
func (s *Store) GetSegmentation(ctx domain.Context, imageID string) (domain.Segmentation, error) {
	tracer := otel.Tracer("repo.segmentations")
	ctx, span := tracer.Start(ctx, "segmentations.Get")
	defer span.End()

	var seg domain.Segmentation
	var polyJSON []byte
	var durationMS int64
	q := `SELECT id, image_id, polygons, model, threshold, detect_holes, duration_ms, created_at
	      FROM segmentations WHERE image_id=$1`
	err := s.withExecutor(ctx).QueryRow(ctx, q, imageID).Scan(
		&seg.ID, &seg.ImageID, &polyJSON, &seg.Model, &seg.Threshold, &seg.DetectHoles, &durationMS, &seg.CreatedAt)
	if err != nil {
		return domain.Segmentation{}, wrapNotFound("segmentation.get", err)
	}
	polys, err := unmarshalPolygons(polyJSON)
	if err != nil {
		return domain.Segmentation{}, fmt.Errorf("op=segmentation.get.unmarshal: %w", err)
	}
	seg.Polygons = polys
	seg.Duration = msToDuration(durationMS)
	return seg, nil
}
