package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/downloader/manager"
	"github.com/NikitaDmitryuk/mediadash/internal/engine"
	"github.com/NikitaDmitryuk/mediadash/internal/hub"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/prowlarr"
	"github.com/NikitaDmitryuk/mediadash/internal/ratelimit"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
	"github.com/gorilla/websocket"
)

func TestMain(m *testing.M) {
	logutils.InitLogger("error")
	os.Exit(m.Run())
}

// mockDM implements manager.Service for API tests.
type mockDM struct {
	downloads map[string]models.Download
	startErr  error
	cmdErr    error
	lastReq   manager.StartRequest
	canceled  map[string]bool
}

var _ manager.Service = (*mockDM)(nil)

func newMockDM() *mockDM {
	return &mockDM{
		downloads: map[string]models.Download{
			"d1": {ID: "d1", DisplayName: "Movie A", Status: models.StatusDownloading, ProgressPercent: 40},
		},
		canceled: map[string]bool{},
	}
}

func (m *mockDM) Start(_ context.Context, req manager.StartRequest) (models.Download, error) {
	m.lastReq = req
	dl := models.Download{ID: "new", Locator: req.Locator, DisplayName: req.DisplayName, Status: models.StatusDownloading}
	if m.startErr != nil {
		if errors.Is(m.startErr, utils.ErrEngineRejected) {
			dl.Status = models.StatusError
			return dl, m.startErr
		}
		if errors.Is(m.startErr, utils.ErrPersistencePending) {
			return dl, m.startErr
		}
		return models.Download{}, m.startErr
	}
	return dl, nil
}

func (m *mockDM) command(id string, status models.DownloadStatus) (models.Download, error) {
	dl, ok := m.downloads[id]
	if !ok {
		return models.Download{}, utils.WrapError(utils.ErrNotFound, "download "+id, nil)
	}
	if m.cmdErr != nil {
		return models.Download{}, m.cmdErr
	}
	dl.Status = status
	return dl, nil
}

func (m *mockDM) Pause(_ context.Context, id string) (models.Download, error) {
	return m.command(id, models.StatusPaused)
}

func (m *mockDM) Resume(_ context.Context, id string) (models.Download, error) {
	return m.command(id, models.StatusDownloading)
}

func (m *mockDM) Cancel(_ context.Context, id string, deleteFiles bool) error {
	if _, ok := m.downloads[id]; !ok {
		return utils.WrapError(utils.ErrNotFound, "download "+id, nil)
	}
	m.canceled[id] = deleteFiles
	return nil
}

func (m *mockDM) Get(id string) (models.Download, error) {
	return m.command(id, m.downloads[id].Status)
}

func (m *mockDM) List() []models.Download {
	out := make([]models.Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, d)
	}
	return out
}

type mockSearch struct {
	lastQuery search.Query
	results   []models.SearchResult
	err       error
}

func (s *mockSearch) Search(_ context.Context, q search.Query) ([]models.SearchResult, error) {
	s.lastQuery = q
	return s.results, s.err
}

func (*mockSearch) Providers() []string { return []string{"apibay", "prowlarr"} }

type mockIndexers struct{ err error }

func (m mockIndexers) GetIndexers(context.Context) ([]prowlarr.Indexer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []prowlarr.Indexer{{ID: 1, Name: "Index One", Enable: true, Protocol: "torrent"}}, nil
}

type testEnv struct {
	srv    *Server
	dm     *mockDM
	search *mockSearch
	hub    *hub.Hub
}

func newTestEnv(apiKey string) *testEnv {
	env := &testEnv{dm: newMockDM(), search: &mockSearch{}, hub: hub.New(8)}
	a := &app.App{
		Downloads: env.dm,
		Search:    env.search,
		Indexers:  mockIndexers{},
		Hub:       env.hub,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("mediadash_downloads 1\n"))
		}),
	}
	env.srv = NewServer(a, "127.0.0.1:0", apiKey)
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	env.srv.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAPI_NoKey_LocalhostAllowed(t *testing.T) {
	env := newTestEnv("")
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("localhost without API key: got status %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}

func TestAPI_RequestIDIsEchoed(t *testing.T) {
	env := newTestEnv("")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.RemoteAddr = "127.0.0.1:1"
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.srv.srv.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
	if got := requestIDFrom(req.Context()); got != "" {
		t.Errorf("request id outside chain = %q, want empty", got)
	}
}

func TestAPI_NoKey_NonLocalhostRejected(t *testing.T) {
	env := newTestEnv("")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.RemoteAddr = "8.8.8.8:12345"
	rec := httptest.NewRecorder()
	env.srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("non-localhost without API key: got status %d, want 401", rec.Code)
	}
}

func TestAPI_NoKey_DockerPrivateIPAllowed(t *testing.T) {
	env := newTestEnv("")
	t.Setenv("RUNNING_IN_DOCKER", "true")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
	req.RemoteAddr = "172.17.0.1:12345"
	rec := httptest.NewRecorder()
	env.srv.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Docker host (private IP) without API key: got status %d, want 200", rec.Code)
	}
}

func TestAPI_Key(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"key prefix", "X-API-Key", "secre", http.StatusUnauthorized},
		{"key with suffix", "Authorization", "Bearer secret2", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret", http.StatusOK},
		{"x-api-key", "X-API-Key", "secret", http.StatusOK},
	}
	env := newTestEnv("secret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody)
			req.RemoteAddr = "8.8.8.8:12345"
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			env.srv.srv.Handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPI_RateLimit(t *testing.T) {
	env := newTestEnv("")
	limiter := ratelimit.New(0.001, 2, time.Minute)
	defer limiter.Close()
	env.srv = NewServer(env.srv.app, "127.0.0.1:0", "", WithRateLimiter(limiter))

	for i := range 2 {
		if rec := env.do(t, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d, want 200", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("got status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}
}

func TestAPI_ListAndGet(t *testing.T) {
	env := newTestEnv("")

	rec := env.do(t, http.MethodGet, "/api/v1/downloads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got status %d", rec.Code)
	}
	list := decode[[]models.Download](t, rec)
	if len(list) != 1 || list[0].ID != "d1" {
		t.Errorf("list = %+v, want d1", list)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/downloads/d1", nil)
	if got := decode[models.Download](t, rec); rec.Code != http.StatusOK || got.ProgressPercent != 40 {
		t.Errorf("get d1: status %d body %+v", rec.Code, got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/downloads/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get missing: got status %d, want 404", rec.Code)
	}
}

func TestAPI_StartDownload(t *testing.T) {
	season := 2
	body := map[string]any{
		"locator":        "magnet:?xt=urn:btih:1111111111111111111111111111111111111111",
		"display_name":   "Show S02",
		"media_ref":      map[string]any{"kind": "show", "id": "tt1", "season": season},
		"save_path_hint": "shows",
	}

	t.Run("created", func(t *testing.T) {
		env := newTestEnv("")
		rec := env.do(t, http.MethodPost, "/api/v1/downloads", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("got status %d, want 201: %s", rec.Code, rec.Body.String())
		}
		req := env.dm.lastReq
		if req.DisplayName != "Show S02" || req.SavePathHint != "shows" || req.MediaRef.Kind != models.MediaShow {
			t.Errorf("start request = %+v", req)
		}
		if req.MediaRef.Season == nil || *req.MediaRef.Season != season {
			t.Errorf("media_ref.season = %v, want %d", req.MediaRef.Season, season)
		}
	})

	errTests := []struct {
		name       string
		err        error
		wantStatus int
		wantDL     bool
	}{
		{"rejected", engine.Rejected(engine.ErrInvalidMagnet, "x"), http.StatusUnprocessableEntity, true},
		{"pending", utils.ErrPersistencePending, http.StatusAccepted, true},
		{"no space", utils.WrapError(utils.ErrInsufficientSpace, "full", nil), http.StatusInsufficientStorage, false},
		{"closed", manager.ErrManagerClosed, http.StatusServiceUnavailable, false},
		{"internal", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv("")
			env.dm.startErr = tt.err
			rec := env.do(t, http.MethodPost, "/api/v1/downloads", body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusAccepted {
				if dl := decode[models.Download](t, rec); dl.ID == "" {
					t.Error("202 body should carry the download")
				}
				return
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Error == "" {
				t.Error("error body empty")
			}
			if (resp.Download != nil) != tt.wantDL {
				t.Errorf("download in body = %v, want %v", resp.Download != nil, tt.wantDL)
			}
		})
	}

	badBodies := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing locator", `{"display_name":"x"}`},
		{"bad kind", `{"locator":"magnet:x","media_ref":{"kind":"album"}}`},
	}
	for _, tt := range badBodies {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv("")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(tt.body))
			req.RemoteAddr = "127.0.0.1:1"
			rec := httptest.NewRecorder()
			env.srv.srv.Handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestAPI_PauseResumeCancel(t *testing.T) {
	env := newTestEnv("")

	rec := env.do(t, http.MethodPost, "/api/v1/downloads/d1/pause", nil)
	if got := decode[models.Download](t, rec); rec.Code != http.StatusOK || got.Status != models.StatusPaused {
		t.Errorf("pause: status %d body %+v", rec.Code, got)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/downloads/d1/resume", nil)
	if got := decode[models.Download](t, rec); rec.Code != http.StatusOK || got.Status != models.StatusDownloading {
		t.Errorf("resume: status %d body %+v", rec.Code, got)
	}

	env.dm.cmdErr = utils.WrapError(utils.ErrInvalidTransition, "cannot pause", nil)
	if rec := env.do(t, http.MethodPost, "/api/v1/downloads/d1/pause", nil); rec.Code != http.StatusConflict {
		t.Errorf("invalid transition: got status %d, want 409", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/downloads/d1?deleteFiles=true", nil); rec.Code != http.StatusNoContent {
		t.Errorf("cancel: got status %d, want 204", rec.Code)
	}
	if del, ok := env.dm.canceled["d1"]; !ok || !del {
		t.Errorf("cancel recorded = %v, %v, want deleteFiles true", del, ok)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/downloads/d1?deleteFiles=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad deleteFiles: got status %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/downloads/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("cancel missing: got status %d, want 404", rec.Code)
	}
}

func TestAPI_Search(t *testing.T) {
	env := newTestEnv("")
	env.search.results = []models.SearchResult{{Source: "apibay", Title: "Show S01E02", Seeds: 5}}

	rec := env.do(t, http.MethodGet, "/api/v1/search?q=show&kind=show&season=1&episode=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	results := decode[[]models.SearchResult](t, rec)
	if len(results) != 1 {
		t.Errorf("results = %+v", results)
	}
	q := env.search.lastQuery
	if q.Text != "show" || q.Kind != models.MediaShow || !q.FilterEpisodes {
		t.Errorf("query = %+v", q)
	}
	if q.Season == nil || *q.Season != 1 || q.Episode == nil || *q.Episode != 2 {
		t.Errorf("season/episode = %v/%v, want 1/2", q.Season, q.Episode)
	}

	env.search.results = nil
	rec = env.do(t, http.MethodGet, "/api/v1/search?q=nothing", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty search body = %q, want []", rec.Body.String())
	}

	for _, target := range []string{
		"/api/v1/search",
		"/api/v1/search?q=x&kind=album",
		"/api/v1/search?q=x&season=-1",
		"/api/v1/search?q=x&strict=perhaps",
	} {
		if rec := env.do(t, http.MethodGet, target, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got status %d, want 400", target, rec.Code)
		}
	}
}

func TestAPI_SearchProviders(t *testing.T) {
	env := newTestEnv("")
	rec := env.do(t, http.MethodGet, "/api/v1/search/providers", nil)
	resp := decode[ProvidersResponse](t, rec)
	if len(resp.Providers) != 2 || len(resp.Indexers) != 1 || resp.Indexers[0].Name != "Index One" {
		t.Errorf("providers response = %+v", resp)
	}
}

func TestAPI_Metrics(t *testing.T) {
	env := newTestEnv("")
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mediadash_downloads") {
		t.Errorf("metrics: status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	env := newTestEnv("")
	if rec := env.do(t, http.MethodPut, "/api/v1/downloads", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT downloads: got status %d, want 405", rec.Code)
	}
}

func TestAPI_WebsocketPush(t *testing.T) {
	env := newTestEnv("")
	env.hub.Publish(models.Event{Type: models.EventStateChange, Download: models.Download{ID: "d1", Status: models.StatusDownloading}})

	ts := httptest.NewServer(env.srv.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first hub.Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != hub.MessageSnapshot || len(first.Downloads) != 1 {
		t.Fatalf("first frame = %+v, want a snapshot with one download", first)
	}

	env.hub.Publish(models.Event{Type: models.EventTick, Download: models.Download{ID: "d1", ProgressPercent: 55}})
	var tick hub.Message
	if err := conn.ReadJSON(&tick); err != nil {
		t.Fatalf("read tick: %v", err)
	}
	if tick.Type != hub.MessageTick || tick.Download == nil || tick.Download.ProgressPercent != 55 {
		t.Errorf("tick frame = %+v", tick)
	}

	env.hub.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should close when the hub closes")
	}
}
