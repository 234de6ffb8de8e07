package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/harmonia/maestro/internal/api/response"
	"github.com/harmonia/maestro/internal/store"
	"github.com/harmonia/maestro/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const credentialKeyPrefix = "msk_"

// NewCreateCredentialHandler returns the handler for POST /v1/admin/credentials.
// The raw key appears in this response only; the store keeps the hash.
func NewCreateCredentialHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = []string{models.ScopeReport}
		}
		for _, s := range scopes {
			if s != models.ScopeReport && s != models.ScopeAdmin {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"unknown scope: "+s, nil)
				return
			}
		}

		rawKey, err := generateKey()
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not generate credential", nil)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not generate credential", nil)
			return
		}

		now := time.Now().UTC()
		cred := &models.Credential{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateCredential(r.Context(), cred); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not store credential", nil)
			return
		}

		response.Created(w, struct {
			Credential *models.Credential `json:"credential"`
			Key        string             `json:"key"`
		}{Credential: cred, Key: rawKey})
	}
}

// NewListCredentialsHandler returns the handler for GET /v1/admin/credentials.
func NewListCredentialsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := st.ListCredentials(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, creds)
	}
}

// NewRevokeCredentialHandler returns the handler for
// DELETE /v1/admin/credentials/{credentialID}.
func NewRevokeCredentialHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "credentialID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"credentialID must be a UUID", nil)
			return
		}

		if err := st.RevokeCredential(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "CREDENTIAL_NOT_FOUND",
					"No such credential", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{"id": id, "revoked": true})
	}
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return credentialKeyPrefix + hex.EncodeToString(buf), nil
}
