// Package sharing implements ProjectShare invitations and the
// accepted-share-grants-access enforcement boundary (spec.md §3 "Ownership",
// §8 property 7).
package sharing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/segforge/segcore/internal/domain"
)

const (
	tokenBytes = 32
	saltBytes  = 16
)

// argon2Params mirrors the teacher's password-hashing cost parameters; a
// share token is stored hashed the same way a password would be.
var argon2Params = struct {
	time, memory uint32
	threads      uint8
	keyLen       uint32
}{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

// Notifier delivers a share invitation to its recipient. The only production
// implementation would be SMTP; spec.md §9 keeps email delivery a narrow,
// out-of-scope external collaborator, so only a no-op test double exists
// here.
type Notifier interface {
	NotifyInvite(ctx domain.Context, email, projectID, rawToken string) error
}

// NoopNotifier discards invitations; the default when SMTP is unconfigured.
type NoopNotifier struct{}

// NotifyInvite does nothing.
func (NoopNotifier) NotifyInvite(domain.Context, string, string, string) error { return nil }

// Service creates, accepts, and revokes ProjectShares, and is the single
// place that answers "does this user have access to this project" once a
// share token exists (spec.md §8 property 7: "accepted share implies
// access").
type Service struct {
	store    domain.Store
	notifier Notifier
	ttl      time.Duration
}

// New constructs a Service. ttl bounds how long an unaccepted invitation
// remains valid; notifier may be nil, which installs NoopNotifier.
func New(store domain.Store, notifier Notifier, ttl time.Duration) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{store: store, notifier: notifier, ttl: ttl}
}

// Invite creates a pending share for email on projectID and returns the raw
// invitation token (only ever available here, at creation time — the Store
// never sees it unhashed).
func (s *Service) Invite(ctx domain.Context, projectID, sharedByID, email string) (shareID, rawToken string, err error) {
	if projectID == "" || sharedByID == "" || email == "" {
		return "", "", fmt.Errorf("op=sharing.invite: %w: projectID, sharedByID and email are required", domain.ErrInvalidArgument)
	}
	rawToken, err = newRawToken()
	if err != nil {
		return "", "", fmt.Errorf("op=sharing.invite: %w", err)
	}
	hash, err := hashToken(rawToken)
	if err != nil {
		return "", "", fmt.Errorf("op=sharing.invite: %w", err)
	}
	expiry := time.Now().UTC().Add(s.ttl)
	id, err := s.store.CreateShare(ctx, domain.ProjectShare{
		ProjectID:   projectID,
		SharedByID:  sharedByID,
		Email:       email,
		TokenHash:   hash,
		TokenExpiry: &expiry,
		Status:      domain.SharePending,
	})
	if err != nil {
		return "", "", fmt.Errorf("op=sharing.invite: %w", err)
	}
	if err := s.notifier.NotifyInvite(ctx, email, projectID, rawToken); err != nil {
		// Notification failure does not unwind the invitation; the
		// recipient can still be given the link out of band.
		return id, rawToken, nil
	}
	return id, rawToken, nil
}

// Accept looks up a pending share by its raw token, verifies it has not
// expired, and binds it to userID.
func (s *Service) Accept(ctx domain.Context, rawToken, userID string) (domain.ProjectShare, error) {
	if rawToken == "" || userID == "" {
		return domain.ProjectShare{}, fmt.Errorf("op=sharing.accept: %w: token and userID are required", domain.ErrInvalidArgument)
	}
	sh, err := s.findByRawToken(ctx, rawToken)
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=sharing.accept: %w", err)
	}
	if sh.Status != domain.SharePending {
		return domain.ProjectShare{}, fmt.Errorf("op=sharing.accept: %w: share is %s", domain.ErrConflict, sh.Status)
	}
	if sh.TokenExpiry != nil && time.Now().UTC().After(*sh.TokenExpiry) {
		return domain.ProjectShare{}, fmt.Errorf("op=sharing.accept: %w: invitation expired", domain.ErrConflict)
	}
	if err := s.store.AcceptShare(ctx, sh.ID, userID); err != nil {
		return domain.ProjectShare{}, fmt.Errorf("op=sharing.accept: %w", err)
	}
	sh.Status = domain.ShareAccepted
	sh.SharedWithID = userID
	return sh, nil
}

// Revoke transitions a share to revoked, immediately ending the recipient's
// access (HasAccess checks Store status directly).
func (s *Service) Revoke(ctx domain.Context, shareID string) error {
	if err := s.store.RevokeShare(ctx, shareID); err != nil {
		return fmt.Errorf("op=sharing.revoke: %w", err)
	}
	return nil
}

// List returns every share (any status) issued for projectID.
func (s *Service) List(ctx domain.Context, projectID string) ([]domain.ProjectShare, error) {
	shares, err := s.store.ListSharesForProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=sharing.list: %w", err)
	}
	return shares, nil
}

// HasAccess is the enforcement boundary spec.md §8 property 7 requires:
// every read of a project not owned by the caller must go through this
// check before the caller sees any of its data.
func (s *Service) HasAccess(ctx domain.Context, projectID, userID string) (bool, error) {
	ok, err := s.store.HasAccess(ctx, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("op=sharing.hasaccess: %w", err)
	}
	return ok, nil
}

// findByRawToken hashes every candidate salt-prefixed lookup is not
// possible (argon2 is intentionally not invertible), so this re-derives the
// hash using the salt embedded in rawToken's matching Store row. Since the
// Store indexes by tokenHash and tokenHash embeds its own salt, the caller
// must present the *exact* raw token; verification is done by recomputing
// the hash with the same salt and comparing in constant time.
func (s *Service) findByRawToken(ctx domain.Context, rawToken string) (domain.ProjectShare, error) {
	// The token handed to recipients is "<salt_hex>.<secret_hex>" so the
	// salt travels with the link while the secret never touches storage
	// unhashed.
	salt, secret, err := splitRawToken(rawToken)
	if err != nil {
		return domain.ProjectShare{}, fmt.Errorf("%w: malformed token", domain.ErrInvalidArgument)
	}
	hash := hashWithSalt(secret, salt)
	sh, err := s.store.GetShareByToken(ctx, hash)
	if err != nil {
		return domain.ProjectShare{}, err
	}
	return sh, nil
}

func newRawToken() (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	secret := make([]byte, tokenBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt) + "." + hex.EncodeToString(secret), nil
}

func splitRawToken(raw string) (salt, secret []byte, err error) {
	dot := -1
	for i, c := range raw {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return nil, nil, fmt.Errorf("missing separator")
	}
	salt, err = hex.DecodeString(raw[:dot])
	if err != nil {
		return nil, nil, err
	}
	secret, err = hex.DecodeString(raw[dot+1:])
	if err != nil {
		return nil, nil, err
	}
	return salt, secret, nil
}

func hashToken(raw string) (string, error) {
	salt, secret, err := splitRawToken(raw)
	if err != nil {
		return "", err
	}
	return hashWithSalt(secret, salt), nil
}

func hashWithSalt(secret, salt []byte) string {
	sum := argon2.IDKey(secret, salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum)
}
