package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/segment-key-gateway/internal/apperr"
	"github.com/kenneth/segment-key-gateway/internal/content"
	"github.com/kenneth/segment-key-gateway/internal/delivery"
	"github.com/kenneth/segment-key-gateway/internal/entitlement"
	"github.com/kenneth/segment-key-gateway/internal/events"
	"github.com/kenneth/segment-key-gateway/internal/keys"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/middleware"
	"github.com/kenneth/segment-key-gateway/internal/playlist"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// KeyIssuer mints segment keys for a content item.
type KeyIssuer interface {
	Issue(ctx context.Context, ref content.Ref, variant content.Variant, totalSegments int) ([]keys.IssuedKey, error)
}

// Delivery serves playlists and keys to players.
type Delivery interface {
	MasterPlaylist(ctx context.Context, req entitlement.Request) ([]byte, error)
	RenditionPlaylist(ctx context.Context, req entitlement.Request, file string) ([]byte, error)
	SegmentURL(ctx context.Context, req entitlement.Request, file string) (string, error)
	SegmentKey(ctx context.Context, req delivery.KeyRequest) (*delivery.DeliveredKey, error)
	SessionKey(ctx context.Context, userID string) (*delivery.SessionKey, error)
}

// Handler handles HTTP requests for the key gateway.
type Handler struct {
	issuer        KeyIssuer
	delivery      Delivery
	events        events.Submitter
	internalToken string
	readyChecks   map[string]metrics.CheckFunc
	logger        *logrus.Logger
	metrics       *metrics.Metrics
}

// Config wires a Handler.
type Config struct {
	Issuer   KeyIssuer
	Delivery Delivery
	Events   events.Submitter
	// InternalToken guards /keys/issue and /events/*. Empty disables the check.
	InternalToken string
	ReadyChecks   map[string]metrics.CheckFunc
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		issuer:        cfg.Issuer,
		delivery:      cfg.Delivery,
		events:        cfg.Events,
		internalToken: cfg.InternalToken,
		readyChecks:   cfg.ReadyChecks,
		logger:        logger,
		metrics:       cfg.Metrics,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readyChecks)).Methods("GET")
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}

	internal := middleware.RequireInternalToken(h.internalToken)

	// /keys/session must be registered before /keys/{keyId}.
	r.Handle("/keys/issue", internal(http.HandlerFunc(h.handleIssueKeys))).Methods("POST")
	r.HandleFunc("/keys/session", h.handleSessionKey).Methods("GET")
	r.HandleFunc("/keys/{keyId}", h.handleSegmentKey).Methods("GET")

	r.HandleFunc("/playlists/master/{kind}/{id}", h.handleMasterPlaylist).Methods("GET")
	r.HandleFunc("/playlists/master/{kind}/{id}/{variant}", h.handleMasterPlaylist).Methods("GET")
	r.HandleFunc("/playlists/{kind}/{id}/{file}", h.handleRenditionPlaylist).Methods("GET")
	r.HandleFunc("/playlists/{kind}/{id}/{variant}/{file}", h.handleRenditionPlaylist).Methods("GET")
	r.HandleFunc("/segments/{kind}/{id}/{file}", h.handleSegment).Methods("GET")
	r.HandleFunc("/segments/{kind}/{id}/{variant}/{file}", h.handleSegment).Methods("GET")

	r.Handle("/events/asset-uploaded", internal(http.HandlerFunc(h.handleAssetUploaded))).Methods("POST")
}

type issueKeysRequest struct {
	content.Fields
	Variant       string `json:"variant,omitempty"`
	TotalSegments int    `json:"totalSegments"`
}

// handleIssueKeys handles POST /keys/issue from the ingestion pipeline.
func (h *Handler) handleIssueKeys(w http.ResponseWriter, r *http.Request) {
	var body issueKeysRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	ref, err := body.Fields.Ref()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	variant, err := content.ParseVariant(body.Variant)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	issued, err := h.issuer.Issue(r.Context(), ref, variant, body.TotalSegments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// handleSegmentKey handles GET /keys/{keyId}.
func (h *Handler) handleSegmentKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	delivered, err := h.delivery.SegmentKey(ctx, delivery.KeyRequest{
		KeyID:     mux.Vars(r)["keyId"],
		UserID:    middleware.UserIDFromContext(ctx),
		RequestID: middleware.RequestIDFromContext(ctx),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", delivered.ContentType)
	w.Header().Set("Cache-Control", "no-store, private")
	w.Header().Set("X-Key-Envelope", string(delivered.Envelope))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(delivered.Body)
}

type sessionKeyResponse struct {
	Key       string `json:"key"`
	ExpiresIn int    `json:"expiresIn"`
}

// handleSessionKey handles GET /keys/session.
func (h *Handler) handleSessionKey(w http.ResponseWriter, r *http.Request) {
	sk, err := h.delivery.SessionKey(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store, private")
	writeJSON(w, http.StatusOK, sessionKeyResponse{
		Key:       hex.EncodeToString(sk.Key),
		ExpiresIn: int(sk.ExpiresIn / time.Second),
	})
}

// handleMasterPlaylist handles GET /playlists/master/{kind}/{id}[/{variant}].
func (h *Handler) handleMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	req, err := contentRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.delivery.MasterPlaylist(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", playlist.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleRenditionPlaylist handles GET /playlists/{kind}/{id}[/{variant}]/{file}.
func (h *Handler) handleRenditionPlaylist(w http.ResponseWriter, r *http.Request) {
	req, err := contentRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.delivery.RenditionPlaylist(r.Context(), req, mux.Vars(r)["file"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", playlist.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSegment handles GET /segments/{kind}/{id}[/{variant}]/{file} by
// redirecting an entitled caller to a presigned object URL.
func (h *Handler) handleSegment(w http.ResponseWriter, r *http.Request) {
	req, err := contentRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	target, err := h.delivery.SegmentURL(r.Context(), req, mux.Vars(r)["file"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store, private")
	http.Redirect(w, r, target, http.StatusFound)
}

type acceptedResponse struct {
	Status      string `json:"status"`
	ContentKind string `json:"contentKind"`
	ContentID   string `json:"contentId"`
	Variant     string `json:"variant,omitempty"`
}

// handleAssetUploaded handles POST /events/asset-uploaded.
func (h *Handler) handleAssetUploaded(w http.ResponseWriter, r *http.Request) {
	var ev events.AssetUploaded
	if err := decodeJSON(r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	asset, err := h.events.Submit(ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:      "accepted",
		ContentKind: string(asset.Content.Kind),
		ContentID:   asset.Content.ID,
		Variant:     string(asset.Variant),
	})
}

func contentRequest(r *http.Request) (entitlement.Request, error) {
	vars := mux.Vars(r)
	ref, err := content.NewRef(vars["kind"], vars["id"])
	if err != nil {
		return entitlement.Request{}, err
	}
	variant, err := content.ParseVariant(vars["variant"])
	if err != nil {
		return entitlement.Request{}, err
	}
	return entitlement.Request{
		UserID:    middleware.UserIDFromContext(r.Context()),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Content:   ref,
		Variant:   variant,
	}, nil
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status code. Upstream details are logged, never
// returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"kind":       kind.String(),
		"request_id": middleware.RequestIDFromContext(r.Context()),
	})
	if status >= http.StatusInternalServerError && kind != apperr.KindUnavailable {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	middleware.WriteError(w, r, status, apperr.PublicMessage(err))
}
