package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/tnsr-ai/gpufleet/internal/api/middleware"
	"github.com/tnsr-ai/gpufleet/internal/api/response"
	"github.com/tnsr-ai/gpufleet/internal/store"
	"github.com/tnsr-ai/gpufleet/pkg/models"
)

// apiKeyPrefix starts every issued key.
const apiKeyPrefix = "gf_"

// AdminStore is the store surface of the admin endpoints.
type AdminStore interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListActiveMachines(ctx context.Context) ([]*models.Machine, error)
}

// NewListMachinesHandler returns an http.HandlerFunc for GET /api/v1/admin/machines.
func NewListMachinesHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machines, err := s.ListActiveMachines(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if machines == nil {
			machines = []*models.Machine{}
		}
		var hourly float64
		for _, m := range machines {
			hourly += m.PricePerHr
		}
		response.JSON(w, map[string]any{
			"machines":      machines,
			"count":         len(machines),
			"cost_per_hour": hourly,
		})
	}
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is only returned here.
func NewCreateKeyHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID int64    `json:"user_id"`
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.UserID <= 0 || req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id and name are required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"jobs"}
		}
		if _, err := s.GetUser(r.Context(), req.UserID); err != nil {
			writeError(w, r, err)
			return
		}

		rawKey, err := newRawKey()
		if err != nil {
			writeError(w, r, err)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, r, err)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			UserID:    req.UserID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:mw.KeyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			writeError(w, r, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID.String(),
			"user_id":    key.UserID,
			"name":       key.Name,
			"key":        rawKey,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

func newRawKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(b), nil
}
