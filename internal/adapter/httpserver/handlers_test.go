package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/segforge/segcore/internal/adapter/httpserver"
	memstore "github.com/segforge/segcore/internal/adapter/repo/memory"
	"github.com/segforge/segcore/internal/config"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/eventbus"
	"github.com/segforge/segcore/internal/export"
	"github.com/segforge/segcore/internal/reconciler"
	"github.com/segforge/segcore/internal/sharing"
	"github.com/segforge/segcore/internal/stats"
)

func newTestServer(t *testing.T) (*httpserver.Server, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	bus := eventbus.NewLocal(50 * time.Millisecond)
	agg := stats.New(store, bus, 10*time.Millisecond)
	shareSvc := sharing.New(store, sharing.NoopNotifier{}, time.Hour)
	recon := reconciler.New(store)
	ee := export.New(export.Config{WorkerPoolSize: 1, Fanout: 2}, store, bus, nil, t.TempDir())
	ee.Start(context.Background())
	t.Cleanup(ee.Stop)

	srv := httpserver.NewServer(config.Config{}, store, bus, nil, ee, shareSvc, recon, agg)
	return srv, store
}

// withURLParam attaches a chi route param the way chi's router would after
// matching a "{name}" path segment, so handlers using chi.URLParam work
// without spinning up a full router.
func withURLParam(r *http.Request, name, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateAndListProjects(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "demo"})
	req := httptest.NewRequest("POST", "/projects", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "user-1")
	rw := httptest.NewRecorder()
	srv.CreateProjectHandler()(rw, req)
	require.Equal(t, 201, rw.Result().StatusCode)

	req2 := httptest.NewRequest("GET", "/projects", nil)
	req2.Header.Set("X-User-Id", "user-1")
	rw2 := httptest.NewRecorder()
	srv.ListProjectsHandler()(rw2, req2)
	require.Equal(t, 200, rw2.Result().StatusCode)

	var projects []domain.Project
	require.NoError(t, json.NewDecoder(rw2.Result().Body).Decode(&projects))
	require.Len(t, projects, 1)
	require.Equal(t, "demo", projects[0].Name)
}

func TestCreateProject_RequiresUser(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/projects", bytes.NewReader([]byte(`{"name":"demo"}`)))
	rw := httptest.NewRecorder()
	srv.CreateProjectHandler()(rw, req)
	require.Equal(t, 401, rw.Result().StatusCode)
}

func TestInviteAndAcceptShare(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"email": "friend@example.com"})
	req := httptest.NewRequest("POST", "/projects/"+projectID+"/shares", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "owner-1")
	req = withURLParam(req, "p", projectID)
	rw := httptest.NewRecorder()
	srv.InviteShareHandler()(rw, req)
	require.Equal(t, 201, rw.Result().StatusCode)

	var invited struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rw.Result().Body).Decode(&invited))
	require.NotEmpty(t, invited.Token)

	acceptBody, _ := json.Marshal(map[string]string{"token": invited.Token})
	acceptReq := httptest.NewRequest("POST", "/shares/accept", bytes.NewReader(acceptBody))
	acceptReq.Header.Set("X-User-Id", "friend-user")
	acceptRw := httptest.NewRecorder()
	srv.AcceptShareHandler()(acceptRw, acceptReq)
	require.Equal(t, 200, acceptRw.Result().StatusCode)
}

func TestReconcileQueueItems_ReturnsKnownStatuses(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)
	itemID := "item-1"
	require.NoError(t, store.EnqueueItems(ctx, []domain.QueueItem{{ID: itemID, ProjectID: projectID, UserID: "owner-1", ImageID: "img-1"}}))
	require.NoError(t, store.TransitionQueueItem(ctx, itemID, domain.QueueQueued, domain.QueueCompleted, "", ""))

	body, _ := json.Marshal(map[string][]string{"itemIds": {itemID, "missing-id"}})
	req := httptest.NewRequest("POST", "/queue/items/reconcile", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	srv.ReconcileQueueItemsHandler()(rw, req)
	require.Equal(t, 200, rw.Result().StatusCode)

	var statuses map[string]string
	require.NoError(t, json.NewDecoder(rw.Result().Body).Decode(&statuses))
	require.Equal(t, string(domain.QueueCompleted), statuses[itemID])
	require.NotContains(t, statuses, "missing-id")
}
