package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/voicewarden/dispatch"
)

// Members implements dispatch.Membership over Discord REST.
type Members struct {
	session *discordgo.Session
}

// NewMembers returns the membership API over s.
func NewMembers(s *discordgo.Session) *Members {
	return &Members{session: s}
}

// AddRoles grants roles one REST call at a time, stopping at the first error.
func (m *Members) AddRoles(ctx context.Context, communityID, memberID string, roles []string) error {
	for _, role := range roles {
		if err := m.session.GuildMemberRoleAdd(communityID, memberID, role, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("add role %s: %w", role, mapError(err))
		}
	}
	return nil
}

// RemoveRoles revokes roles one REST call at a time, stopping at the first error.
func (m *Members) RemoveRoles(ctx context.Context, communityID, memberID string, roles []string) error {
	for _, role := range roles {
		if err := m.session.GuildMemberRoleRemove(communityID, memberID, role, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("remove role %s: %w", role, mapError(err))
		}
	}
	return nil
}

// CurrentRoles always reads through to REST; the state cache can lag behind
// role changes made by other bots or moderators.
func (m *Members) CurrentRoles(ctx context.Context, communityID, memberID string) ([]string, error) {
	member, err := m.session.GuildMember(communityID, memberID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get member: %w", mapError(err))
	}
	if member.Roles == nil {
		return []string{}, nil
	}
	return member.Roles, nil
}

// mapError translates discordgo errors into the dispatch error vocabulary.
func mapError(err error) error {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		apiErr := &dispatch.APIError{Status: http.StatusTooManyRequests, Err: dispatch.ErrRateLimited}
		if rle.RateLimit != nil && rle.TooManyRequests != nil {
			apiErr.RetryAfter = rle.RetryAfter
		}
		return apiErr
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return fmt.Errorf("%w: %w", dispatch.ErrMemberGone, err)
		case discordgo.ErrCodeUnknownRole:
			return fmt.Errorf("%w: %w", dispatch.ErrRoleGone, err)
		case discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %w", dispatch.ErrForbidden, err)
		}
	}
	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}
	return &dispatch.APIError{Status: status, Err: err}
}
