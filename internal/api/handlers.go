package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/letter-vault/internal/crypto"
	"github.com/kenneth/letter-vault/internal/store"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Pinger is implemented by backends that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the letter-vault JSON API.
type Handler struct {
	store        *store.Store
	registry     *crypto.Registry
	pinger       Pinger
	logger       *logrus.Logger
	maxBodyBytes int64
}

// NewHandler creates a new API handler. pinger may be nil, in which case
// readiness only reflects the key registry.
func NewHandler(st *store.Store, registry *crypto.Registry, pinger Pinger, logger *logrus.Logger, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		store:        st,
		registry:     registry,
		pinger:       pinger,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", h.handleLive).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/users/{userID}").Subrouter()

	v1.HandleFunc("/address", h.handlePutAddress).Methods(http.MethodPut)
	v1.HandleFunc("/address", h.handleGetAddress).Methods(http.MethodGet)
	v1.HandleFunc("/address", h.handleDeleteAddress).Methods(http.MethodDelete)

	v1.HandleFunc("/letters", h.handleCreateLetter).Methods(http.MethodPost)
	v1.HandleFunc("/letters", h.handleListLetters).Methods(http.MethodGet)
	v1.HandleFunc("/letters/{letterID}", h.handleGetLetter).Methods(http.MethodGet)
	v1.HandleFunc("/letters/{letterID}", h.handleUpdateLetter).Methods(http.MethodPut)
	v1.HandleFunc("/letters/{letterID}", h.handleDeleteLetter).Methods(http.MethodDelete)
}

// writeError translates err and writes it. Server-side failures are logged
// with the underlying error, which is never sent to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err).WithRequestID(getRequestID(r))

	entry := h.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": apiErr.RequestID,
		"code":       apiErr.Code,
	}).WithError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	apiErr.WriteJSON(w)
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		h.logger.WithError(err).Debug("Failed to write response")
	}
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type readyResponse struct {
	Status         string   `json:"status"`
	KeyMode        string   `json:"key_mode,omitempty"`
	PrimaryVersion string   `json:"primary_key_version,omitempty"`
	KeyVersions    []string `json:"key_versions,omitempty"`
	Backend        string   `json:"backend,omitempty"`
}

// handleReady reports the key registry and, when available, pings the
// storage backend.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready"}
	if h.registry == nil {
		resp.Status = "not ready"
		h.respond(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.KeyMode = string(h.registry.Mode())
	resp.PrimaryVersion = h.registry.PrimaryVersion()
	resp.KeyVersions = h.registry.Versions()

	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.WithError(err).Warn("Backend readiness check failed")
			resp.Status = "not ready"
			resp.Backend = "unreachable"
			h.respond(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Backend = "ok"
	}
	h.respond(w, http.StatusOK, resp)
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "alive"})
}

type addressResponse struct {
	Address *store.Address `json:"address"`
}

func (h *Handler) handlePutAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var addr store.Address
	if err := decodeJSON(w, r, h.maxBodyBytes, &addr); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.Addresses.Save(r.Context(), userID, addr); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, addressResponse{Address: &addr})
}

// handleGetAddress returns {"address":null} when no address is stored or
// the stored one is unreadable in lenient mode.
func (h *Handler) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	addr, err := h.store.Addresses.Get(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, addressResponse{Address: addr})
}

func (h *Handler) handleDeleteAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	if err := h.store.Addresses.Delete(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type letterResponse struct {
	Letter *store.Letter `json:"letter"`
}

type lettersResponse struct {
	Letters []*store.Letter `json:"letters"`
}

func (h *Handler) handleCreateLetter(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	var content store.LetterContent
	if err := decodeJSON(w, r, h.maxBodyBytes, &content); err != nil {
		h.writeError(w, r, err)
		return
	}
	letter, err := h.store.Letters.Create(r.Context(), userID, content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+letter.ID)
	h.respond(w, http.StatusCreated, letterResponse{Letter: letter})
}

func (h *Handler) handleListLetters(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	letters, err := h.store.Letters.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if letters == nil {
		letters = []*store.Letter{}
	}
	h.respond(w, http.StatusOK, lettersResponse{Letters: letters})
}

func (h *Handler) handleGetLetter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	letter, err := h.store.Letters.Get(r.Context(), vars["userID"], vars["letterID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, letterResponse{Letter: letter})
}

func (h *Handler) handleUpdateLetter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var content store.LetterContent
	if err := decodeJSON(w, r, h.maxBodyBytes, &content); err != nil {
		h.writeError(w, r, err)
		return
	}
	letter, err := h.store.Letters.Update(r.Context(), vars["userID"], vars["letterID"], content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, letterResponse{Letter: letter})
}

func (h *Handler) handleDeleteLetter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := h.store.Letters.Delete(r.Context(), vars["userID"], vars["letterID"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
