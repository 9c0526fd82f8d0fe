package admin

import (
	"time"

	"warden/cmd/internal/registry"
)

// ---- requests ----

type createSessionRequest struct {
	AccountID string `json:"account_id"`
}

type forceLogoutRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

type invalidateRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason,omitempty"`
}

// ---- responses ----

type createSessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type forceLogoutResponse struct {
	AccountID           string `json:"account_id"`
	SessionInvalidated  bool   `json:"session_invalidated"`
	ChannelsDisconnects int    `json:"channels_notified"`
}

type invalidateResponse struct {
	AccountID   string `json:"account_id"`
	Invalidated bool   `json:"invalidated"`
}

type sessionView struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Address        string    `json:"address"`
	City           string    `json:"city,omitempty"`
	Country        string    `json:"country,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ChannelID      string    `json:"channel_id,omitempty"`
	Live           bool      `json:"live"`
}

type listSessionsResponse struct {
	AccountID string        `json:"account_id"`
	Sessions  []sessionView `json:"sessions"`
}

func newSessionView(s registry.AddressSession, live bool) sessionView {
	return sessionView{
		ID:             s.ID,
		AccountID:      s.AccountID,
		Address:        s.Address,
		City:           s.City,
		Country:        s.Country,
		ConnectedAt:    s.ConnectedAt,
		LastActivityAt: s.LastActivityAt,
		ChannelID:      s.ChannelID,
		Live:           live,
	}
}
