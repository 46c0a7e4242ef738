package models

import (
	"log/slog"
	"strings"
	"time"
)

// Account is one connected cloud calendar account. The refresh token is a
// secret: it is persisted only to the credential store's 0600 file and must
// never appear in logs, which LogValue enforces.
type Account struct {
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	TokenExpiry  time.Time `json:"token_expiry"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// NormalizedEmail is the comparison form used for uniqueness checks.
func (a Account) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(a.Email))
}

// LogValue implements slog.LogValuer so that logging an Account can never
// leak the refresh token.
func (a Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("email", a.Email),
		slog.String("display_name", a.DisplayName),
		slog.Time("token_expiry", a.TokenExpiry),
		slog.Time("connected_at", a.ConnectedAt),
	)
}

// UserInfo is the identity returned by the cloud provider's userinfo
// endpoint after an OAuth exchange.
type UserInfo struct {
	Email       string `json:"email"`
	DisplayName string `json:"name"`
}

// SyncStatus is the scheduler's externally visible state. It is mutated only
// by the scheduler and read by any caller.
type SyncStatus struct {
	Enabled   bool       `json:"enabled"`
	Running   bool       `json:"running"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	NextSync  *time.Time `json:"next_sync,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}
