package domain

import "time"

// RollbackRecord is written when the canary channel is reverted.
type RollbackRecord struct {
	Version      string    `json:"version"`
	RollbackTime time.Time `json:"rollbackTime"`
	Reason       string    `json:"reason"`
	From         string    `json:"from,omitempty"`
}

// RolloutState tracks release decisions across job runs.
type RolloutState struct {
	LatestCanaryVersion  string           `json:"latestCanaryVersion,omitempty"`
	LastKnownGoodVersion string           `json:"lastKnownGoodVersion,omitempty"`
	LastPromotedAt       *time.Time       `json:"lastPromotedAt,omitempty"`
	RollbackHistory      []RollbackRecord `json:"rollbackHistory,omitempty"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}
