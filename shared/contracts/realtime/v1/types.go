// Package v1 defines the Warden realtime control protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate presents a credential token for the channel (client -> server).
	TypeAuthenticate = "AUTHENTICATE"
	// TypeHeartbeat keeps the channel and its backing sessions alive (client -> server).
	TypeHeartbeat = "HEARTBEAT"

	// TypeConnectionEstablished is sent immediately after the upgrade succeeds (server -> client).
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	// TypeSessionRegistered acknowledges a successful handshake (server -> client).
	TypeSessionRegistered = "SESSION_REGISTERED"
	// TypeAuthError reports a failed handshake (server -> client).
	TypeAuthError = "AUTH_ERROR"

	// TypeNewAddressDetected alerts the account's other channels about a first
	// connection from an unseen address (server -> client). Advisory only.
	TypeNewAddressDetected = "NEW_ADDRESS_DETECTED"
	// TypeSessionLimitExceeded is delivered to channels evicted by the
	// concurrent-address limit, just before the channel is closed (server -> client).
	TypeSessionLimitExceeded = "SESSION_LIMIT_EXCEEDED"
	// TypeSessionTerminated is the forced-logout notice (server -> client).
	TypeSessionTerminated = "SESSION_TERMINATED"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V         string          `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeHeartbeat,
		TypeConnectionEstablished,
		TypeSessionRegistered,
		TypeAuthError,
		TypeNewAddressDetected,
		TypeSessionLimitExceeded,
		TypeSessionTerminated:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// AuthenticatePayload carries the opaque credential token issued at login.
type AuthenticatePayload struct {
	CredentialToken string `json:"credential_token"`
}

// HeartbeatPayload is intentionally empty; the envelope itself is the signal.
type HeartbeatPayload struct{}

// ConnectionEstablishedPayload carries the server-assigned channel id.
type ConnectionEstablishedPayload struct {
	ChannelID string `json:"channel_id"`
}

// SessionRegisteredPayload acknowledges the handshake for an account.
type SessionRegisteredPayload struct {
	AccountID string `json:"account_id"`
}

// AuthErrorPayload reports why the handshake was rejected.
type AuthErrorPayload struct {
	Error string `json:"error"`
}

// NewAddressDetectedPayload describes the newly seen address and its resolved location.
type NewAddressDetectedPayload struct {
	Address string `json:"address"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

// SessionLimitExceededPayload explains an eviction to the evicted channel.
type SessionLimitExceededPayload struct {
	Message string `json:"message"`
}

// SessionTerminatedPayload is the forced-logout notice.
type SessionTerminatedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
