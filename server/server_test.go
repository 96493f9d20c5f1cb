package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/voicewarden/config"
	"github.com/onnwee/voicewarden/ledger"
	"github.com/onnwee/voicewarden/presence"
	"github.com/onnwee/voicewarden/rules"
)

type fakeResyncer struct {
	mu      sync.Mutex
	members []string
	res     presence.Result
	err     error
}

func (f *fakeResyncer) Resync(_ context.Context, communityID, memberID string) (presence.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, communityID+"/"+memberID)
	return f.res, f.err
}

type fakeGateway struct{ up bool }

func (g fakeGateway) Connected() bool { return g.up }

type fixture struct {
	src      *rules.MemorySource
	store    *rules.Store
	sessions *ledger.Memory
	proc     *fakeResyncer
	deps     Deps
	cfg      *config.Config
}

func newFixture() *fixture {
	src := rules.NewMemorySource(rules.Rule{CommunityID: "1", ChannelID: "10", Override: []string{"100"}, Target: []string{"200"}})
	store := rules.NewStore(src, time.Minute, 16)
	sessions := ledger.NewMemory()
	proc := &fakeResyncer{res: presence.Result{Transition: "resync", State: presence.PresentManaged, ChannelID: "10"}}
	return &fixture{
		src:      src,
		store:    store,
		sessions: sessions,
		proc:     proc,
		deps:     Deps{Processor: proc, Rules: src, Cache: store, Sessions: sessions},
		cfg:      &config.Config{RateLimitEnabled: false},
	}
}

func (f *fixture) do(t *testing.T, method, target string, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewMux(ctx, f.deps, f.cfg)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/healthz", "", func(r *http.Request) {
		r.Header.Set("X-Correlation-ID", "abc-123")
	})
	assert.Equal(t, "abc-123", rr.Header().Get("X-Correlation-ID"))
}

func TestReadyz(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decode(t, rr)["status"])

	f.deps.Gateway = fakeGateway{up: false}
	rr = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "gateway", decode(t, rr)["failed_check"])

	f.deps.Gateway = fakeGateway{up: true}
	rr = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestAdminResync(t *testing.T) {
	f := newFixture()
	rr := f.do(t, http.MethodPost, "/admin/resync?community=1&member=7", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "resync", body["transition"])
	assert.Equal(t, "present_managed", body["state"])
	assert.Equal(t, []string{"1/7"}, f.proc.members)

	rr = f.do(t, http.MethodPost, "/admin/resync?community=1&member=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/admin/resync?community=1&member=7", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	f.proc.res.Repaired = 2
	rr = f.do(t, http.MethodPost, "/admin/resync?community=1&member=7", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decode(t, rr)["repaired"])

	f.proc.err = rules.ErrUnavailable
	rr = f.do(t, http.MethodPost, "/admin/resync?community=1&member=7", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	f.proc.err = errors.New("boom")
	rr = f.do(t, http.MethodPost, "/admin/resync?community=1&member=7", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAdminOverridesLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// warm the cache with the old rule
	r, ok, err := f.store.RulesFor(ctx, "1", "10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"200"}, r.Target)

	rr := f.do(t, http.MethodPut, "/admin/overrides",
		`{"community_id":"1","channel_id":"10","override_roles":["100"],"target_roles":["300"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	r, _, err = f.store.RulesFor(ctx, "1", "10")
	require.NoError(t, err)
	assert.Equal(t, []string{"300"}, r.Target, "the edit invalidates the cached rule")

	rr = f.do(t, http.MethodGet, "/admin/overrides?community=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	overrides := decode(t, rr)["overrides"].([]any)
	assert.Len(t, overrides, 1)

	rr = f.do(t, http.MethodDelete, "/admin/overrides?community=1&channel=10", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	_, ok, _ = f.store.RulesFor(ctx, "1", "10")
	assert.False(t, ok)

	rr = f.do(t, http.MethodDelete, "/admin/overrides?community=1&channel=10", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminOverridesPutRejectsInvalid(t *testing.T) {
	f := newFixture()
	for _, body := range []string{
		`not json`,
		`{"community_id":"1","channel_id":"10"}`,
		`{"community_id":"1","channel_id":"x","target_roles":["1"]}`,
		`{"community_id":"1","channel_id":"10","target_roles":["1"],"extra":true}`,
	} {
		rr := f.do(t, http.MethodPut, "/admin/overrides", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestAdminOverridesPutResyncsChannel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, s := range []ledger.Session{
		{CommunityID: "1", ChannelID: "10", MemberID: "7", Managed: true},
		{CommunityID: "1", ChannelID: "10", MemberID: "8", Managed: true},
		{CommunityID: "1", ChannelID: "11", MemberID: "9"},
	} {
		_, err := f.sessions.Open(ctx, s, nil)
		require.NoError(t, err)
	}

	rr := f.do(t, http.MethodPut, "/admin/overrides?resync=true",
		`{"community_id":"1","channel_id":"10","target_roles":["300"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 2, decode(t, rr)["resynced"])
	assert.ElementsMatch(t, []string{"1/7", "1/8"}, f.proc.members)
}

func TestAdminInvalidate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _, _ = f.store.RulesFor(ctx, "1", "10")
	require.Equal(t, 1, f.store.Len())

	rr := f.do(t, http.MethodPost, "/admin/overrides/invalidate?community=1", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, f.store.Len())

	rr = f.do(t, http.MethodPost, "/admin/overrides/invalidate?community=1&channel=bad", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminSessions(t *testing.T) {
	f := newFixture()
	_, err := f.sessions.Open(context.Background(), ledger.Session{CommunityID: "1", ChannelID: "10", MemberID: "7", Managed: true, Restoration: []string{"100"}}, nil)
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/admin/sessions?community=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.EqualValues(t, 1, body["count"])
	assert.EqualValues(t, 1, body["managed"])

	rr = f.do(t, http.MethodGet, "/admin/sessions", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	f := newFixture()
	f.cfg = &config.Config{AdminToken: "s3cret"}

	rr := f.do(t, http.MethodGet, "/admin/sessions?community=1", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/admin/sessions?community=1", "", func(r *http.Request) {
		r.Header.Set("X-Admin-Token", "s3cret")
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code, "health endpoints stay open")
}
