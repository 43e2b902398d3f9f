package foreman

import (
	"fmt"
	"net/http"
	"time"
)

// Credentials authenticate per-client calls.
type Credentials struct {
	ClientID int
	APIKey   string
}

type Pickaxe struct {
	Key string `json:"key"`
}

// Miner health values reported by the API.
const (
	StatusOkay = "okay"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Miner struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Active bool   `json:"active"`
	Seen   bool   `json:"seen"`
}

// NeedsAttention reports whether m is seen, active and not okay.
func (m Miner) NeedsAttention() bool {
	return m.Seen && m.Active && m.Status != StatusOkay
}

type FailingMiner struct {
	Miner     string   `json:"miner"`
	MinerID   int      `json:"minerId"`
	Diagnosis []string `json:"diagnosis"`
}

type Notification struct {
	ID            int64          `json:"id"`
	Subject       string         `json:"subject"`
	FailingMiners []FailingMiner `json:"failingMiners"`
}

// StatusError is returned for unexpected HTTP statuses.
type StatusError struct {
	Path string
	Code int
	// RetryAfter is the server's Retry-After on 429 and 503, zero otherwise.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("foreman: %s: unexpected status %d %s", e.Path, e.Code, http.StatusText(e.Code))
}

// Unauthorized reports whether the API rejected the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}
