// Package admin exposes the operational HTTP surface: session issuance for
// the login flow, forced logout, session listing, and the credential-sharing
// sweep.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"warden/cmd/internal/anomaly"
	"warden/cmd/internal/events"
	"warden/cmd/internal/netinfo"
	"warden/cmd/internal/registry"
	"warden/cmd/internal/session"
)

const maxBodyBytes = 16 << 10 // 16 KiB

// Handler wires the admin and internal endpoints to the services.
//
// Callers are trusted infrastructure, not end users: /internal/* is reached
// by the login service after it has verified credentials, /admin/* by
// operators. Both are gated by the same bearer token.
type Handler struct {
	log        *slog.Logger
	adminToken string

	sessions *session.Service
	registry *registry.Registry
	store    registry.AddressStore
	detector *anomaly.Detector
}

// NewHandler constructs the admin Handler. An empty adminToken disables the
// whole surface (every request gets 503).
func NewHandler(log *slog.Logger, adminToken string, sessions *session.Service, reg *registry.Registry, store registry.AddressStore, detector *anomaly.Detector) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:        log,
		adminToken: strings.TrimSpace(adminToken),
		sessions:   sessions,
		registry:   reg,
		store:      store,
		detector:   detector,
	}
}

// Register wires the routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/internal/session/create", h.handleSessionCreate)
	mux.HandleFunc("/admin/force_logout", h.handleForceLogout)
	mux.HandleFunc("/admin/invalidate", h.handleInvalidate)
	mux.HandleFunc("/admin/sessions", h.handleListSessions)
	mux.HandleFunc("/admin/login_sharing", h.handleLoginSharing)
	mux.HandleFunc("/admin/login_sharing/disconnect", h.handleLoginSharingDisconnect)
}

// authorize enforces the bearer token with a constant-time compare.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.adminToken == "" {
		writeError(w, http.StatusServiceUnavailable, "admin_disabled", "admin surface is not configured")
		return false
	}

	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	got := strings.TrimSpace(raw[len(prefix):])

	if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return false
	}
	return true
}

func (h *Handler) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	var req createSessionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing account_id")
		return
	}

	now := time.Now().UTC()
	issued, err := h.sessions.Create(r.Context(), now, req.AccountID,
		netinfo.ClientAddress(r), netinfo.UserAgentSummary(r.UserAgent()))
	if err != nil {
		h.log.Error("admin.session.create.fail", "account_id", req.AccountID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "session creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
	})
}

func (h *Handler) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	var req forceLogoutRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing account_id")
		return
	}

	reason := events.Reason(req.Reason)
	if req.Reason == "" {
		reason = events.ReasonManual
	}
	if !reason.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown reason")
		return
	}

	// Channel count is read before the invalidation fans out and closes them.
	channels := len(h.registry.ChannelsFor(req.AccountID))

	now := time.Now().UTC()
	flipped, err := h.sessions.Invalidate(r.Context(), now, req.AccountID, reason)
	if err != nil {
		h.log.Error("admin.force_logout.fail", "account_id", req.AccountID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "invalidation failed")
		return
	}

	writeJSON(w, http.StatusOK, forceLogoutResponse{
		AccountID:           req.AccountID,
		SessionInvalidated:  flipped,
		ChannelsDisconnects: channels,
	})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	var req invalidateRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing account_id")
		return
	}

	reason := events.Reason(req.Reason)
	if req.Reason == "" {
		reason = events.ReasonManual
	}
	if !reason.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown reason")
		return
	}

	flipped, err := h.sessions.Invalidate(r.Context(), time.Now().UTC(), req.AccountID, reason)
	if err != nil {
		h.log.Error("admin.invalidate.fail", "account_id", req.AccountID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "invalidation failed")
		return
	}

	writeJSON(w, http.StatusOK, invalidateResponse{
		AccountID:   req.AccountID,
		Invalidated: flipped,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing account_id")
		return
	}

	rows, err := h.store.ListByAccount(r.Context(), accountID)
	if err != nil {
		h.log.Error("admin.sessions.list.fail", "account_id", accountID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "listing failed")
		return
	}

	liveAddrs := make(map[string]bool)
	for _, ch := range h.registry.ChannelsFor(accountID) {
		liveAddrs[ch.Address] = true
	}

	views := make([]sessionView, 0, len(rows))
	for _, s := range rows {
		views = append(views, newSessionView(s, liveAddrs[s.Address]))
	}

	writeJSON(w, http.StatusOK, listSessionsResponse{
		AccountID: accountID,
		Sessions:  views,
	})
}

func (h *Handler) handleLoginSharing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	reports, err := h.detector.DetectAll(r.Context())
	if err != nil {
		h.log.Error("admin.login_sharing.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "detection failed")
		return
	}

	// Every multi-address account appears, flagged or not; near-threshold
	// accounts are exactly what the report exists to surface.
	if reports == nil {
		reports = make([]anomaly.Report, 0)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts_scanned": len(reports),
		"reports":          reports,
	})
}

func (h *Handler) handleLoginSharingDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	if !h.authorize(w, r) {
		return
	}

	sum, err := h.detector.DisconnectSuspicious(r.Context())
	if err != nil {
		h.log.Error("admin.login_sharing.disconnect.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "disconnect sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, sum)
}
