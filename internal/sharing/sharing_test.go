package sharing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	memstore "github.com/segforge/segcore/internal/adapter/repo/memory"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/sharing"
)

type recordingNotifier struct {
	lastEmail, lastProjectID, lastToken string
}

func (n *recordingNotifier) NotifyInvite(_ domain.Context, email, projectID, rawToken string) error {
	n.lastEmail, n.lastProjectID, n.lastToken = email, projectID, rawToken
	return nil
}

func newService(t *testing.T) (*sharing.Service, *memstore.Store, *recordingNotifier) {
	t.Helper()
	store := memstore.New()
	notifier := &recordingNotifier{}
	return sharing.New(store, notifier, time.Hour), store, notifier
}

func TestInviteAccept_GrantsAccess(t *testing.T) {
	svc, store, notifier := newService(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)

	shareID, rawToken, err := svc.Invite(ctx, projectID, "owner-1", "friend@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, shareID)
	require.NotEmpty(t, rawToken)
	require.Equal(t, "friend@example.com", notifier.lastEmail)

	ok, err := svc.HasAccess(ctx, projectID, "friend-user")
	require.NoError(t, err)
	require.False(t, ok, "share not yet accepted must not grant access")

	sh, err := svc.Accept(ctx, rawToken, "friend-user")
	require.NoError(t, err)
	require.Equal(t, domain.ShareAccepted, sh.Status)

	ok, err = svc.HasAccess(ctx, projectID, "friend-user")
	require.NoError(t, err)
	require.True(t, ok, "accepted share must grant access")
}

func TestAccept_WrongTokenFails(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)
	_, _, err = svc.Invite(ctx, projectID, "owner-1", "friend@example.com")
	require.NoError(t, err)

	_, err = svc.Accept(ctx, "00.00", "friend-user")
	require.Error(t, err)
}

func TestRevoke_RemovesAccess(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)
	shareID, rawToken, err := svc.Invite(ctx, projectID, "owner-1", "friend@example.com")
	require.NoError(t, err)
	_, err = svc.Accept(ctx, rawToken, "friend-user")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, shareID))

	ok, err := svc.HasAccess(ctx, projectID, "friend-user")
	require.NoError(t, err)
	require.False(t, ok, "revoked share must no longer grant access")
}

func TestList_ReturnsAllSharesRegardlessOfStatus(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, domain.Project{OwnerID: "owner-1", Name: "p"})
	require.NoError(t, err)
	revokedID, _, err := svc.Invite(ctx, projectID, "owner-1", "a@example.com")
	require.NoError(t, err)
	_, _, err = svc.Invite(ctx, projectID, "owner-1", "b@example.com")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, revokedID))

	shares, err := svc.List(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, shares, 2)
}
