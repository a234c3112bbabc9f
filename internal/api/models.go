package api

import (
	"github.com/NikitaDmitryuk/mediadash/internal/models"
	"github.com/NikitaDmitryuk/mediadash/internal/prowlarr"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries the failure reason. Download is set when the command created or
// touched a download before failing.
type ErrorResponse struct {
	Error    string           `json:"error"`
	Download *models.Download `json:"download,omitempty"`
}

// ProvidersResponse is returned by GET /api/v1/search/providers.
type ProvidersResponse struct {
	Providers []string           `json:"providers"`
	Indexers  []prowlarr.Indexer `json:"indexers,omitempty"`
}
