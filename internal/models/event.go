package models

import "time"

// SwapEvent announces that the current pointer moved from one version to
// another. Broadcast once per successful swap; delivery is at-least-once
// and unordered, so consumers must treat events idempotently.
type SwapEvent struct {
	FromVersion  string    `json:"from_version"`
	ToVersion    string    `json:"to_version"`
	GenerationID string    `json:"generation_id"`
	Seq          uint64    `json:"seq"`
	Timestamp    time.Time `json:"timestamp"`
}
