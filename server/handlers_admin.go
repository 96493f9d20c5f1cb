package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/voicewarden/db"
	"github.com/onnwee/voicewarden/rolediff"
	"github.com/onnwee/voicewarden/rules"
	"github.com/onnwee/voicewarden/telemetry"
)

const maxRuleBody = 64 << 10

// queryID reads a required snowflake query parameter, writing a 400 when it is
// missing or malformed.
func queryID(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := r.URL.Query().Get(key)
	if _, err := db.ParseID(v); err != nil {
		writeError(w, http.StatusBadRequest, key+" must be a numeric id")
		return "", false
	}
	return v, true
}

// HandleAdminResync recomputes a member's roles against the current rule of
// the channel they are in and settles roles earlier dispatches left owed.
func (h *Handlers) HandleAdminResync(w http.ResponseWriter, r *http.Request) {
	community, ok := queryID(w, r, "community")
	if !ok {
		return
	}
	member, ok := queryID(w, r, "member")
	if !ok {
		return
	}
	if h.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "presence processor not running")
		return
	}

	res, err := h.deps.Processor.Resync(r.Context(), community, member)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("admin resync failed",
			slog.String("community", community),
			slog.String("member", member),
			slog.Any("err", err),
			slog.String("component", "http_admin"))
		status := http.StatusInternalServerError
		if errors.Is(err, rules.ErrUnavailable) || errors.Is(err, rolediff.ErrUnknownState) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	body := map[string]any{
		"status":     "ok",
		"transition": res.Transition,
		"state":      res.State.String(),
		"channel":    res.ChannelID,
		"add":        nonNil(res.Add),
		"remove":     nonNil(res.Remove),
	}
	if res.Dispatched {
		body["dispatch"] = res.Dispatch.String()
	}
	if res.Repaired > 0 {
		body["repaired"] = res.Repaired
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleAdminOverridesList returns every rule of a community.
func (h *Handlers) HandleAdminOverridesList(w http.ResponseWriter, r *http.Request) {
	community, ok := queryID(w, r, "community")
	if !ok {
		return
	}
	list, err := h.deps.Rules.List(r.Context(), community)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"community_id": community, "overrides": list})
}

// HandleAdminOverridesPut creates or replaces the rule of a channel. With
// resync=true, members currently in the channel are resynced to the new rule.
func (h *Handlers) HandleAdminOverridesPut(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := h.deps.Rules.Upsert(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrInvalidRule) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.invalidate(rule.CommunityID, rule.ChannelID)

	resynced, err := h.maybeResync(r, rule.CommunityID, rule.ChannelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule saved, resync failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "override": rule, "resynced": resynced})
}

// HandleAdminOverridesDelete removes the rule of a channel. Members already in
// the channel keep their recorded restoration set, so leaving still restores them.
func (h *Handlers) HandleAdminOverridesDelete(w http.ResponseWriter, r *http.Request) {
	community, ok := queryID(w, r, "community")
	if !ok {
		return
	}
	channel, ok := queryID(w, r, "channel")
	if !ok {
		return
	}
	found, err := h.deps.Rules.Delete(r.Context(), community, channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no override for channel")
		return
	}
	h.invalidate(community, channel)

	resynced, err := h.maybeResync(r, community, channel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule deleted, resync failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "resynced": resynced})
}

// HandleAdminOverridesInvalidate drops cached rules after out-of-band edits
// to the database.
func (h *Handlers) HandleAdminOverridesInvalidate(w http.ResponseWriter, r *http.Request) {
	community, ok := queryID(w, r, "community")
	if !ok {
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel != "" {
		if _, ok := queryID(w, r, "channel"); !ok {
			return
		}
	}
	h.invalidate(community, channel)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "community_id": community, "channel_id": channel})
}

// HandleAdminSessions lists the open voice sessions of a community.
func (h *Handlers) HandleAdminSessions(w http.ResponseWriter, r *http.Request) {
	community, ok := queryID(w, r, "community")
	if !ok {
		return
	}
	sessions, err := h.deps.Sessions.List(r.Context(), community)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	managed := 0
	for _, s := range sessions {
		if s.Managed {
			managed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"community_id": community,
		"count":        len(sessions),
		"managed":      managed,
		"sessions":     sessions,
	})
}

func (h *Handlers) invalidate(community, channel string) {
	if h.deps.Cache == nil {
		return
	}
	if channel == "" {
		h.deps.Cache.InvalidateCommunity(community)
		return
	}
	h.deps.Cache.Invalidate(community, channel)
}

func (h *Handlers) maybeResync(r *http.Request, community, channel string) (int, error) {
	if ok, _ := strconv.ParseBool(r.URL.Query().Get("resync")); !ok || h.deps.Processor == nil {
		return 0, nil
	}
	return h.resyncChannel(r.Context(), community, channel)
}

// resyncChannel resyncs every member whose session is in channel.
func (h *Handlers) resyncChannel(ctx context.Context, community, channel string) (int, error) {
	sessions, err := h.deps.Sessions.List(ctx, community)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if s.ChannelID != channel {
			continue
		}
		if _, err := h.deps.Processor.Resync(ctx, community, s.MemberID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
