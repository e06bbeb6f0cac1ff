package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/segforge/segcore/internal/domain"
)

// phaseImages copies each selected image's original file into the staging
// tree, skipped entirely when IncludeOriginalImages is false.
func (p *jobRun) phaseImages() error {
	if !p.job.Options.IncludeOriginalImages {
		return nil
	}
	dir, err := p.ensureStageDir("images")
	if err != nil {
		return err
	}
	return p.forEachImage(func(img domain.Image) error {
		return copyFile(img.OriginalPath, filepath.Join(dir, img.ID+filepath.Ext(img.OriginalPath)))
	})
}

// phaseVisualizations renders the polygon overlay for each segmented image
// at full resolution, using the job's VisualizationOptions.
func (p *jobRun) phaseVisualizations() error {
	if !p.job.Options.IncludeVisualizations {
		return nil
	}
	dir, err := p.ensureStageDir("visualizations")
	if err != nil {
		return err
	}
	return p.forEachImage(func(img domain.Image) error {
		if img.Status != domain.SegSegmented {
			return nil
		}
		seg, err := p.segmentationFor(img.ID)
		if err != nil {
			return err
		}
		dest := filepath.Join(dir, img.ID+".png")
		return p.engine.rend.RenderOverlay(p.ctx, img.OriginalPath, dest, seg.Polygons, p.job.Options.Visualization)
	})
}

// phaseAnnotations writes one document per requested annotation format
// (coco, yolo, json) over every segmented image in the export.
func (p *jobRun) phaseAnnotations() error {
	if len(p.job.Options.AnnotationFormats) == 0 {
		return nil
	}
	dir, err := p.ensureStageDir("annotations")
	if err != nil {
		return err
	}
	segmented := make([]domain.Image, 0, len(p.images))
	segs := make(map[string]domain.Segmentation, len(p.images))
	for _, img := range p.images {
		if img.Status != domain.SegSegmented {
			continue
		}
		seg, err := p.segmentationFor(img.ID)
		if err != nil {
			return err
		}
		segmented = append(segmented, img)
		segs[img.ID] = seg
	}

	for _, format := range p.job.Options.AnnotationFormats {
		var err error
		switch format {
		case "coco":
			err = writeCOCOAnnotations(filepath.Join(dir, "coco.json"), segmented, segs)
		case "yolo":
			err = writeYOLOAnnotations(dir, segmented, segs)
		case "json":
			err = writeJSONAnnotations(filepath.Join(dir, "polygons.json"), segmented, segs)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("op=export.annotations.%s: %w", format, err)
		}
	}
	return nil
}

// phaseMetrics computes per-polygon measurements for every segmented image
// and writes them in every requested metrics format (excel, csv, json).
func (p *jobRun) phaseMetrics() error {
	if len(p.job.Options.MetricsFormats) == 0 {
		return nil
	}
	dir, err := p.ensureStageDir("metrics")
	if err != nil {
		return err
	}

	var all []domain.PolygonMetrics
	for _, img := range p.images {
		if img.Status != domain.SegSegmented {
			continue
		}
		seg, err := p.segmentationFor(img.ID)
		if err != nil {
			return err
		}
		all = append(all, computePolygonMetrics(img.ID, seg.Polygons, p.job.Options.PixelToMicrometerScale)...)
	}

	for _, format := range p.job.Options.MetricsFormats {
		var err error
		switch format {
		case "excel":
			err = writeExcelMetrics(filepath.Join(dir, "metrics.xlsx"), all)
		case "csv":
			err = writeCSVMetrics(filepath.Join(dir, "metrics.csv"), all)
		case "json":
			err = writeJSONMetrics(filepath.Join(dir, "metrics.json"), all)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("op=export.metrics.%s: %w", format, err)
		}
	}
	return nil
}

// phaseCompression assembles the staging tree into a single uncompressed
// (zip.Store) archive and computes its sha256 checksum (spec.md §4.3).
func (p *jobRun) phaseCompression() error {
	dir := p.engine.artifactDir(p.job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=export.compression.mkdir: %w", err)
	}
	artifact := p.engine.artifactPath(p.job)
	if err := zipDirectoryStored(p.stageDir, artifact); err != nil {
		return fmt.Errorf("op=export.compression.zip: %w", err)
	}
	checksum, err := sha256File(artifact)
	if err != nil {
		return fmt.Errorf("op=export.compression.checksum: %w", err)
	}
	p.artifactPath = artifact
	p.checksum = checksum
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
