package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/downloader/manager"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/search"
	"github.com/NikitaDmitryuk/mediadash/internal/utils"
)

// maxStartBodyBytes limits POST /api/v1/downloads body size.
const maxStartBodyBytes = 1024 * 1024

// statusFor maps an error chain onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, utils.ErrEngineRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, utils.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrPersistencePending):
		return http.StatusAccepted
	case errors.Is(err, utils.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, manager.ErrManagerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeCommandResult answers a download command. A pending persistence still returns the download.
func writeCommandResult(w http.ResponseWriter, r *http.Request, okStatus int, dl models.Download, err error) {
	if err == nil {
		writeJSON(w, okStatus, dl)
		return
	}
	status := statusFor(err)
	fields := map[string]any{
		"request_id": requestIDFrom(r.Context()),
		"status":     status,
	}
	for k, v := range utils.ErrorContext(err) {
		fields[k] = v
	}
	if status >= http.StatusInternalServerError {
		logutils.Log.WithError(err).WithFields(fields).Error("Download command failed")
	} else {
		logutils.Log.WithError(err).WithFields(fields).Debug("Download command refused")
	}

	if status == http.StatusAccepted {
		writeJSON(w, status, dl)
		return
	}
	resp := ErrorResponse{Error: utils.UserMessage(err)}
	if dl.ID != "" {
		resp.Download = &dl
	}
	writeJSON(w, status, resp)
}

// Health returns 200 and {"status":"ok"}.
func Health(w http.ResponseWriter, _ *http.Request, _ *app.App) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func ListDownloads(w http.ResponseWriter, _ *http.Request, a *app.App) {
	writeJSON(w, http.StatusOK, a.Downloads.List())
}

func GetDownload(w http.ResponseWriter, r *http.Request, a *app.App) {
	dl, err := a.Downloads.Get(r.PathValue("id"))
	writeCommandResult(w, r, http.StatusOK, dl, err)
}

// StartDownload handles POST /api/v1/downloads.
func StartDownload(w http.ResponseWriter, r *http.Request, a *app.App) {
	body := http.MaxBytesReader(w, r.Body, maxStartBodyBytes)
	var req manager.StartRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		writeError(w, http.StatusBadRequest, "locator is required")
		return
	}
	if k := req.MediaRef.Kind; k != "" && k != models.MediaMovie && k != models.MediaShow {
		writeError(w, http.StatusBadRequest, "media_ref.kind must be movie or show")
		return
	}

	dl, err := a.Downloads.Start(r.Context(), req)
	writeCommandResult(w, r, http.StatusCreated, dl, err)
}

func PauseDownload(w http.ResponseWriter, r *http.Request, a *app.App) {
	dl, err := a.Downloads.Pause(r.Context(), r.PathValue("id"))
	writeCommandResult(w, r, http.StatusOK, dl, err)
}

func ResumeDownload(w http.ResponseWriter, r *http.Request, a *app.App) {
	dl, err := a.Downloads.Resume(r.Context(), r.PathValue("id"))
	writeCommandResult(w, r, http.StatusOK, dl, err)
}

// CancelDownload handles DELETE /api/v1/downloads/{id}?deleteFiles=true.
func CancelDownload(w http.ResponseWriter, r *http.Request, a *app.App) {
	deleteFiles := false
	if v := r.URL.Query().Get("deleteFiles"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "deleteFiles must be a boolean")
			return
		}
		deleteFiles = parsed
	}

	err := a.Downloads.Cancel(r.Context(), r.PathValue("id"), deleteFiles)
	if err != nil && !errors.Is(err, utils.ErrPersistencePending) {
		writeCommandResult(w, r, http.StatusNoContent, models.Download{}, err)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func optionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, errors.New("must be a non-negative integer")
	}
	return &n, nil
}

// Search handles GET /api/v1/search?q=&kind=&season=&episode=&strict=.
func Search(w http.ResponseWriter, r *http.Request, a *app.App) {
	params := r.URL.Query()
	q := search.Query{
		Text: strings.TrimSpace(params.Get("q")),
		Kind: models.MediaKind(params.Get("kind")),
	}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	if q.Kind != "" && q.Kind != models.MediaMovie && q.Kind != models.MediaShow {
		writeError(w, http.StatusBadRequest, "kind must be movie or show")
		return
	}

	var err error
	if q.Season, err = optionalInt(params.Get("season")); err != nil {
		writeError(w, http.StatusBadRequest, "season "+err.Error())
		return
	}
	if q.Episode, err = optionalInt(params.Get("episode")); err != nil {
		writeError(w, http.StatusBadRequest, "episode "+err.Error())
		return
	}
	if v := params.Get("strict"); v != "" {
		if q.Strict, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "strict must be a boolean")
			return
		}
	}
	q.FilterEpisodes = q.Kind == models.MediaShow

	results, err := a.Search.Search(r.Context(), q)
	if err != nil {
		logutils.Log.WithError(err).WithField("request_id", requestIDFrom(r.Context())).Warn("Search failed")
		writeError(w, statusFor(err), utils.UserMessage(err))
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// SearchProviders lists enabled providers. Prowlarr indexers are included on a best effort basis.
func SearchProviders(w http.ResponseWriter, r *http.Request, a *app.App) {
	resp := ProvidersResponse{Providers: a.Search.Providers()}
	if resp.Providers == nil {
		resp.Providers = []string{}
	}
	if a.Indexers != nil {
		indexers, err := a.Indexers.GetIndexers(r.Context())
		if err != nil {
			logutils.Log.WithError(err).WithField("request_id", requestIDFrom(r.Context())).
				Warn("SearchProviders: listing Prowlarr indexers failed")
		} else {
			resp.Indexers = indexers
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
