package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/voicewarden/db"
)

// PostgresSource reads and writes rules in the vc_overrides table.
type PostgresSource struct {
	DB *sql.DB
}

// NewPostgresSource returns a source backed by database.
func NewPostgresSource(database *sql.DB) *PostgresSource {
	return &PostgresSource{DB: database}
}

// Lookup reads the rule of a channel. Ids that are not snowflakes and rows
// with no roles read as no rule.
func (p *PostgresSource) Lookup(ctx context.Context, communityID, channelID string) (Rule, bool, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return Rule{}, false, nil
	}
	cid, err := db.ParseID(channelID)
	if err != nil {
		return Rule{}, false, nil
	}
	var overrideRaw, targetRaw []byte
	err = p.DB.QueryRowContext(ctx, `
		SELECT COALESCE(override_roles, '[]'::jsonb), COALESCE(target_roles, '[]'::jsonb)
		FROM vc_overrides WHERE guild_id=$1 AND channel_id=$2`, gid, cid).Scan(&overrideRaw, &targetRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, false, nil
	}
	if err != nil {
		return Rule{}, false, fmt.Errorf("query override: %w", err)
	}
	r := Rule{CommunityID: communityID, ChannelID: channelID}
	if r.Override, err = db.DecodeIDs(overrideRaw); err != nil {
		return Rule{}, false, fmt.Errorf("override_roles for channel %s: %w", channelID, err)
	}
	if r.Target, err = db.DecodeIDs(targetRaw); err != nil {
		return Rule{}, false, fmt.Errorf("target_roles for channel %s: %w", channelID, err)
	}
	r = r.normalize()
	if r.Empty() {
		return Rule{}, false, nil
	}
	return r, true, nil
}

// List returns the rules of a community ordered by channel.
func (p *PostgresSource) List(ctx context.Context, communityID string) ([]Rule, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return nil, fmt.Errorf("%w: community: %w", ErrInvalidRule, err)
	}
	rows, err := p.DB.QueryContext(ctx, `
		SELECT channel_id, COALESCE(override_roles, '[]'::jsonb), COALESCE(target_roles, '[]'::jsonb)
		FROM vc_overrides WHERE guild_id=$1 ORDER BY channel_id`, gid)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var cid int64
		var overrideRaw, targetRaw []byte
		if err := rows.Scan(&cid, &overrideRaw, &targetRaw); err != nil {
			return nil, err
		}
		r := Rule{CommunityID: communityID, ChannelID: db.FormatID(cid)}
		if r.Override, err = db.DecodeIDs(overrideRaw); err != nil {
			return nil, err
		}
		if r.Target, err = db.DecodeIDs(targetRaw); err != nil {
			return nil, err
		}
		out = append(out, r.normalize())
	}
	return out, rows.Err()
}

// Upsert validates r and writes it over any rule of the same channel.
func (p *PostgresSource) Upsert(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r = r.normalize()
	gid, _ := db.ParseID(r.CommunityID)
	cid, _ := db.ParseID(r.ChannelID)
	overrideJSON, err := db.EncodeIDs(r.Override)
	if err != nil {
		return err
	}
	targetJSON, err := db.EncodeIDs(r.Target)
	if err != nil {
		return err
	}
	_, err = p.DB.ExecContext(ctx, `
		INSERT INTO vc_overrides (guild_id, channel_id, override_roles, target_roles)
		VALUES ($1, $2, $3::jsonb, $4::jsonb)
		ON CONFLICT (guild_id, channel_id) DO UPDATE
		SET override_roles = EXCLUDED.override_roles, target_roles = EXCLUDED.target_roles`,
		gid, cid, overrideJSON, targetJSON)
	if err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	return nil
}

// Delete removes the rule of a channel and reports whether there was one.
func (p *PostgresSource) Delete(ctx context.Context, communityID, channelID string) (bool, error) {
	gid, err := db.ParseID(communityID)
	if err != nil {
		return false, fmt.Errorf("%w: community: %w", ErrInvalidRule, err)
	}
	cid, err := db.ParseID(channelID)
	if err != nil {
		return false, fmt.Errorf("%w: channel: %w", ErrInvalidRule, err)
	}
	res, err := p.DB.ExecContext(ctx, `DELETE FROM vc_overrides WHERE guild_id=$1 AND channel_id=$2`, gid, cid)
	if err != nil {
		return false, fmt.Errorf("delete override: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
