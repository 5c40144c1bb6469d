package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/db"
)

// ImpersonationSession lets a system admin act as another user while the
// audit trail retains both identities.
type ImpersonationSession struct {
	ID        uuid.UUID
	AdminID   uuid.UUID
	TargetID  uuid.UUID
	StartedAt time.Time
	EndedAt   *time.Time
	Reason    *string
}

var (
	ErrCannotImpersonateSelf = errors.New("an admin may not impersonate themselves")
	ErrNotSystemAdmin        = errors.New("only system admins may start impersonation")
	ErrLastSystemAdmin       = errors.New("at least one system admin must remain")
)

// ImpersonationStore persists impersonation sessions.
type ImpersonationStore struct {
	dbtx db.DBTX
}

func NewImpersonationStore(dbtx db.DBTX) *ImpersonationStore {
	return &ImpersonationStore{dbtx: dbtx}
}

// Start opens a new impersonation session. Callers must have already
// checked that admin.IsSystemAdmin is true and admin.ID != target.
func (s *ImpersonationStore) Start(ctx context.Context, adminID, targetID uuid.UUID, reason *string) (ImpersonationSession, error) {
	if adminID == targetID {
		return ImpersonationSession{}, ErrCannotImpersonateSelf
	}

	sess := ImpersonationSession{
		ID:        uuid.New(),
		AdminID:   adminID,
		TargetID:  targetID,
		StartedAt: time.Now().UTC(),
		Reason:    reason,
	}
	row := s.dbtx.QueryRow(ctx, `
		INSERT INTO impersonation_sessions (id, admin_id, target_id, started_at, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, admin_id, target_id, started_at, ended_at, reason`,
		sess.ID, sess.AdminID, sess.TargetID, sess.StartedAt, sess.Reason,
	)
	if err := row.Scan(&sess.ID, &sess.AdminID, &sess.TargetID, &sess.StartedAt, &sess.EndedAt, &sess.Reason); err != nil {
		return ImpersonationSession{}, fmt.Errorf("starting impersonation: %w", err)
	}
	return sess, nil
}

// End closes an active impersonation session.
func (s *ImpersonationStore) End(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE impersonation_sessions SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`, id)
	return err
}

// ActiveImpersonation implements auth.ImpersonationLookup: it returns the
// target user id of any impersonation session currently open for adminID.
func (s *ImpersonationStore) ActiveImpersonation(ctx context.Context, adminID uuid.UUID) (uuid.UUID, bool) {
	row := s.dbtx.QueryRow(ctx, `
		SELECT target_id FROM impersonation_sessions
		WHERE admin_id = $1 AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, adminID)

	var target uuid.UUID
	if err := row.Scan(&target); err != nil {
		return uuid.Nil, false
	}
	return target, true
}
