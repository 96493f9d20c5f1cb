package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/voicewarden/db"
)

// Postgres stores sessions in vc_sessions and pending operations in vc_role_ops.
type Postgres struct {
	DB *sql.DB
}

// NewPostgres returns a ledger over database. The schema comes from db.RunMigrations.
func NewPostgres(database *sql.DB) *Postgres { return &Postgres{DB: database} }

const sessionColumns = `guild_id, channel_id, user_id, joined_at, managed, restoration_roles, grant_roles`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var gid, cid, uid int64
	var s Session
	var restorationRaw, grantRaw []byte
	if err := row.Scan(&gid, &cid, &uid, &s.JoinedAt, &s.Managed, &restorationRaw, &grantRaw); err != nil {
		return Session{}, err
	}
	s.CommunityID, s.ChannelID, s.MemberID = db.FormatID(gid), db.FormatID(cid), db.FormatID(uid)
	s.JoinedAt = s.JoinedAt.UTC()
	var err error
	if s.Restoration, err = db.DecodeIDs(restorationRaw); err != nil {
		return Session{}, fmt.Errorf("restoration_roles: %w", err)
	}
	if s.Grant, err = db.DecodeIDs(grantRaw); err != nil {
		return Session{}, fmt.Errorf("grant_roles: %w", err)
	}
	return s, nil
}

type sessionArgs struct {
	gid, cid, uid      int64
	restoration, grant string
}

func encodeSession(s Session) (sessionArgs, error) {
	var a sessionArgs
	var err error
	if a.gid, err = db.ParseID(s.CommunityID); err != nil {
		return a, fmt.Errorf("community: %w", err)
	}
	if a.cid, err = db.ParseID(s.ChannelID); err != nil {
		return a, fmt.Errorf("channel: %w", err)
	}
	if a.uid, err = db.ParseID(s.MemberID); err != nil {
		return a, fmt.Errorf("member: %w", err)
	}
	if a.restoration, err = db.EncodeIDs(s.Restoration); err != nil {
		return a, err
	}
	if a.grant, err = db.EncodeIDs(s.Grant); err != nil {
		return a, err
	}
	return a, nil
}

// Open inserts the session and its op in one transaction. The member index
// turns a second session into ErrAlreadyPresent.
func (p *Postgres) Open(ctx context.Context, s Session, op *Op) (Session, error) {
	a, err := encodeSession(s)
	if err != nil {
		return Session{}, err
	}
	if s.JoinedAt.IsZero() {
		s.JoinedAt = time.Now().UTC()
	}
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO vc_sessions (guild_id, channel_id, user_id, joined_at, managed, restoration_roles, grant_roles)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
			ON CONFLICT DO NOTHING`,
			a.gid, a.cid, a.uid, s.JoinedAt, s.Managed, a.restoration, a.grant)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyPresent
		}
		return insertOp(ctx, tx, op)
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// Move locks the member's row, rewrites it to next and records op.
func (p *Postgres) Move(ctx context.Context, next Session, op *Op) (Session, error) {
	a, err := encodeSession(next)
	if err != nil {
		return Session{}, err
	}
	var old Session
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM vc_sessions WHERE guild_id=$1 AND user_id=$2 FOR UPDATE`, a.gid, a.uid)
		var err error
		old, err = scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotPresent
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		joinedAt := next.JoinedAt
		if old.ChannelID == next.ChannelID || joinedAt.IsZero() {
			joinedAt = old.JoinedAt
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE vc_sessions
			SET channel_id=$3, joined_at=$4, managed=$5, restoration_roles=$6::jsonb, grant_roles=$7::jsonb, updated_at=NOW()
			WHERE guild_id=$1 AND user_id=$2`,
			a.gid, a.uid, a.cid, joinedAt, next.Managed, a.restoration, a.grant)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		return insertOp(ctx, tx, op)
	})
	if err != nil {
		return Session{}, err
	}
	return old, nil
}

// Close deletes the member's session and records op when there was one.
func (p *Postgres) Close(ctx context.Context, communityID, memberID string, op *Op) (Session, bool, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return Session{}, false, fmt.Errorf("community: %w", err)
	}
	uid, err := db.ParseID(memberID)
	if err != nil {
		return Session{}, false, fmt.Errorf("member: %w", err)
	}
	var old Session
	found := false
	err = p.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `DELETE FROM vc_sessions WHERE guild_id=$1 AND user_id=$2 RETURNING `+sessionColumns, gid, uid)
		var err error
		old, err = scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		found = true
		return insertOp(ctx, tx, op)
	})
	if err != nil {
		return Session{}, false, err
	}
	return old, found, nil
}

// Get returns the member's session.
func (p *Postgres) Get(ctx context.Context, communityID, memberID string) (Session, bool, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return Session{}, false, fmt.Errorf("community: %w", err)
	}
	uid, err := db.ParseID(memberID)
	if err != nil {
		return Session{}, false, fmt.Errorf("member: %w", err)
	}
	s, err := scanSession(p.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM vc_sessions WHERE guild_id=$1 AND user_id=$2`, gid, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}
	return s, true, nil
}

// List returns the sessions of a community ordered by member id.
func (p *Postgres) List(ctx context.Context, communityID string) ([]Session, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return nil, fmt.Errorf("community: %w", err)
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM vc_sessions WHERE guild_id=$1 ORDER BY user_id`, gid)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of open sessions across all communities.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vc_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Pending returns every unresolved op in id order.
func (p *Postgres) Pending(ctx context.Context) ([]Op, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+opColumns+` FROM vc_role_ops ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pending ops: %w", err)
	}
	return scanOps(rows)
}

// Repairs returns the member's repair ops in id order.
func (p *Postgres) Repairs(ctx context.Context, communityID, memberID string) ([]Op, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return nil, fmt.Errorf("community: %w", err)
	}
	uid, err := db.ParseID(memberID)
	if err != nil {
		return nil, fmt.Errorf("member: %w", err)
	}
	rows, err := p.DB.QueryContext(ctx, `SELECT `+opColumns+` FROM vc_role_ops WHERE guild_id=$1 AND user_id=$2 AND repair ORDER BY id`, gid, uid)
	if err != nil {
		return nil, fmt.Errorf("list repair ops: %w", err)
	}
	return scanOps(rows)
}

const opColumns = `id, guild_id, user_id, add_roles, remove_roles, reason, repair, created_at`

func scanOps(rows *sql.Rows) ([]Op, error) {
	defer rows.Close()
	var out []Op
	for rows.Next() {
		var op Op
		var gid, uid int64
		var addRaw, removeRaw []byte
		if err := rows.Scan(&op.ID, &gid, &uid, &addRaw, &removeRaw, &op.Reason, &op.Repair, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.CommunityID, op.MemberID = db.FormatID(gid), db.FormatID(uid)
		op.CreatedAt = op.CreatedAt.UTC()
		var err error
		if op.Add, err = db.DecodeIDs(addRaw); err != nil {
			return nil, err
		}
		if op.Remove, err = db.DecodeIDs(removeRaw); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ackSQL deletes the acked op and, unless it is a repair op, the older
// non-repair ops of the same member.
const ackSQL = `
	DELETE FROM vc_role_ops o
	USING vc_role_ops acked
	WHERE acked.id=$1 AND (o.id = acked.id OR (
		NOT acked.repair AND NOT o.repair
		AND o.guild_id=acked.guild_id AND o.user_id=acked.user_id AND o.id < acked.id))`

// Ack resolves opID and the older non-repair ops of the same member.
func (p *Postgres) Ack(ctx context.Context, opID int64) error {
	if _, err := p.DB.ExecContext(ctx, ackSQL, opID); err != nil {
		return fmt.Errorf("ack op %d: %w", opID, err)
	}
	return nil
}

// Requeue resolves opID and inserts rest as a repair op in one transaction.
func (p *Postgres) Requeue(ctx context.Context, opID int64, rest *Op) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ackSQL, opID); err != nil {
			return fmt.Errorf("ack op %d: %w", opID, err)
		}
		if rest.Empty() {
			return nil
		}
		rest.Repair = true
		return insertOp(ctx, tx, rest)
	})
}

func insertOp(ctx context.Context, tx *sql.Tx, op *Op) error {
	if op.Empty() {
		return nil
	}
	gid, err := db.ParseID(op.CommunityID)
	if err != nil {
		return fmt.Errorf("op community: %w", err)
	}
	uid, err := db.ParseID(op.MemberID)
	if err != nil {
		return fmt.Errorf("op member: %w", err)
	}
	addJSON, err := db.EncodeIDs(op.Add)
	if err != nil {
		return err
	}
	removeJSON, err := db.EncodeIDs(op.Remove)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO vc_role_ops (guild_id, user_id, add_roles, remove_roles, reason, repair)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6)
		RETURNING id, created_at`, gid, uid, addJSON, removeJSON, op.Reason, op.Repair).Scan(&op.ID, &op.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert role op: %w", err)
	}
	op.CreatedAt = op.CreatedAt.UTC()
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
