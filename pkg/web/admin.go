package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/homiehq/homie/pkg/auth"
	"github.com/homiehq/homie/pkg/logger"
	"github.com/homiehq/homie/pkg/users"
)

// AdminRouter sets up the feature-visibility management API. The caller
// mounts it behind RequireAuthenticated and RequireAdmin.
func AdminRouter(store *users.Store) http.Handler {
	routes := &adminRoutes{users: store}
	r := chi.NewRouter()
	r.Get("/", routes.listFeatures)
	r.Post("/", routes.setFeature)
	return r
}

type adminRoutes struct {
	users *users.Store
}

type userFeaturesResponse struct {
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Email    string          `json:"email,omitempty"`
	IsAdmin  bool            `json:"is_admin"`
	Features map[string]bool `json:"features"`
}

func (a *adminRoutes) listFeatures(w http.ResponseWriter, r *http.Request) {
	all, err := a.users.ListFeatures(r.Context())
	if err != nil {
		logger.Errorf("failed to list user features: %v", err)
		http.Error(w, "Failed to list users", http.StatusInternalServerError)
		return
	}

	resp := make([]userFeaturesResponse, 0, len(all))
	for _, uf := range all {
		resp = append(resp, userFeaturesResponse{
			UserID:   uf.User.ID,
			Username: uf.User.Username,
			Email:    uf.User.Email,
			IsAdmin:  uf.User.IsAdmin,
			Features: uf.Features,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"users": resp}); err != nil {
		logger.Errorf("failed to encode user features: %v", err)
	}
}

type setFeatureRequest struct {
	UserID  string `json:"user_id"`
	Feature string `json:"feature"`
	Enabled *bool  `json:"enabled"`
}

func (a *adminRoutes) setFeature(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Feature == "" || req.Enabled == nil {
		http.Error(w, "user_id, feature and enabled are required", http.StatusBadRequest)
		return
	}

	admin := auth.IdentityFromContext(r.Context())
	err := a.users.SetFeature(r.Context(), req.UserID, req.Feature, *req.Enabled, admin.Subject)
	switch {
	case errors.Is(err, users.ErrUnknownFeature):
		http.Error(w, "Unknown feature", http.StatusBadRequest)
		return
	case errors.Is(err, users.ErrNotFound):
		http.Error(w, "Unknown user", http.StatusNotFound)
		return
	case err != nil:
		logger.Errorf("failed to set feature visibility: %v", err)
		http.Error(w, "Failed to update visibility", http.StatusInternalServerError)
		return
	}

	logger.Infow("feature visibility updated", "admin", admin.Subject,
		"user_id", req.UserID, "feature", req.Feature, "enabled", *req.Enabled)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}` + "\n"))
}
