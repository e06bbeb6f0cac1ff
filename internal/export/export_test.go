package export_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memstore "github.com/segforge/segcore/internal/adapter/repo/memory"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/eventbus"
	"github.com/segforge/segcore/internal/export"
)

func newTestEngine(t *testing.T) (*export.Engine, *memstore.Store, context.Context) {
	t.Helper()
	store := memstore.New()
	bus := eventbus.NewLocal(50 * time.Millisecond)
	eng := export.New(export.Config{
		WorkerPoolSize:   1,
		Fanout:           2,
		ProgressThrottle: time.Millisecond,
		JobTimeout:       5 * time.Second,
	}, store, bus, nil, t.TempDir())
	ctx := context.Background()
	eng.Start(ctx)
	t.Cleanup(eng.Stop)
	return eng, store, ctx
}

func waitForStatus(t *testing.T, eng *export.Engine, ctx context.Context, jobID string, want domain.ExportStatus) domain.ExportJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := eng.Status(ctx, jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", jobID, want)
	return domain.ExportJob{}
}

func TestStartExport_NoOptionalPhases_Completes(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "u1", Name: "p"})
	require.NoError(t, err)

	jobID, err := eng.StartExport(ctx, "u1", projectID, domain.ExportOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitForStatus(t, eng, ctx, jobID, domain.ExportCompleted)
	require.Equal(t, domain.PhaseReady, job.Phase)
	require.NotEmpty(t, job.ArtifactPath)
	require.NotEmpty(t, job.Checksum)

	path, err := eng.DownloadPath(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, job.ArtifactPath, path)
}

func TestCancel_AlreadyCompleted_IsIdempotent(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "u1", Name: "p"})
	require.NoError(t, err)

	jobID, err := eng.StartExport(ctx, "u1", projectID, domain.ExportOptions{})
	require.NoError(t, err)
	waitForStatus(t, eng, ctx, jobID, domain.ExportCompleted)

	require.NoError(t, eng.Cancel(ctx, jobID))
}

func TestDownloadPath_NotCompleted_Conflict(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "u1", Name: "p"})
	require.NoError(t, err)
	jobID, err := store.CreateExportJob(ctx, domain.ExportJob{ProjectID: projectID, UserID: "u1", Status: domain.ExportProcessing})
	require.NoError(t, err)

	_, err = eng.DownloadPath(ctx, jobID)
	require.Error(t, err)
}

func TestResumeInterrupted_FailsPendingAndProcessingJobs(t *testing.T) {
	eng, store, ctx := newTestEngine(t)

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "u1", Name: "p"})
	require.NoError(t, err)
	pendingID, err := store.CreateExportJob(ctx, domain.ExportJob{ProjectID: projectID, UserID: "u1", Status: domain.ExportPending})
	require.NoError(t, err)
	processingID, err := store.CreateExportJob(ctx, domain.ExportJob{ProjectID: projectID, UserID: "u1", Status: domain.ExportProcessing})
	require.NoError(t, err)

	n, err := eng.ResumeInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	job, err := store.GetExportJob(ctx, pendingID)
	require.NoError(t, err)
	require.Equal(t, domain.ExportFailed, job.Status)
	require.Equal(t, string(domain.CodeInterrupted), job.ErrorCode)

	job, err = store.GetExportJob(ctx, processingID)
	require.NoError(t, err)
	require.Equal(t, domain.ExportFailed, job.Status)
}
