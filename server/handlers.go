package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/voicewarden/ledger"
	"github.com/onnwee/voicewarden/presence"
	"github.com/onnwee/voicewarden/rules"
)

// Resyncer recomputes one member's roles. *presence.Processor implements it.
type Resyncer interface {
	Resync(ctx context.Context, communityID, memberID string) (presence.Result, error)
}

// RuleCache is the cached read side that must forget edited rules.
// *rules.Store implements it.
type RuleCache interface {
	Invalidate(communityID, channelID string)
	InvalidateCommunity(communityID string)
}

// GatewayStatus reports the platform connection. *discord.Gateway implements it.
type GatewayStatus interface {
	Connected() bool
}

// Deps are the collaborators behind the HTTP handlers. DB and Gateway are
// optional: without a database the service runs in memory, and without a
// gateway only the admin surface is served.
type Deps struct {
	DB        *sql.DB
	Processor Resyncer
	Rules     rules.Editor
	Cache     RuleCache
	Sessions  ledger.Ledger
	Gateway   GatewayStatus
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
