package api

import (
	"github.com/hopchain/txdispatch/types"
)

// JumpRequest is the body of a jump submission.
type JumpRequest struct {
	Player   string `json:"player"`
	GameID   string `json:"gameId"`
	Height   uint64 `json:"height"`
	Score    uint64 `json:"score"`
	ClientTs int64  `json:"clientTs"`
}

// GameOverRequest is the body of a game-over submission.
type GameOverRequest struct {
	Player   string `json:"player"`
	GameID   string `json:"gameId"`
	Score    uint64 `json:"score"`
	ClientTs int64  `json:"clientTs"`
}

// SetPlayerRequest is the body of a player-name submission.
type SetPlayerRequest struct {
	Player   string `json:"player"`
	Username string `json:"username"`
	ClientTs int64  `json:"clientTs"`
}

// IntentResponse is returned by the three admission endpoints.
type IntentResponse struct {
	IntentID uint64 `json:"intentId"`
}

// IntentStatusResponse is returned by the intent status endpoint.
type IntentStatusResponse struct {
	Intent *types.Intent `json:"intent"`
}

// PendingCountResponse is returned by the pending count endpoint.
type PendingCountResponse struct {
	Pending uint64 `json:"pending"`
}

// AccountsResponse snapshots both signing pools.
type AccountsResponse struct {
	Live     []types.AccountStatus `json:"live"`
	Recovery []types.AccountStatus `json:"recovery,omitempty"`
}

// UpdatesResponse carries the events collected during one long-poll window.
// Updates is never null, so clients can range over it unconditionally.
type UpdatesResponse struct {
	Updates []*types.Update `json:"updates"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// InfoResponse describes the running dispatcher.
type InfoResponse struct {
	ChainID          uint64 `json:"chainId"`
	Contract         string `json:"contract"`
	Uptime           string `json:"uptime"`
	LiveAccounts     int    `json:"liveAccounts"`
	RecoveryAccounts int    `json:"recoveryAccounts,omitempty"`
	Pending          uint64 `json:"pending"`
	Confirmed        uint64 `json:"confirmed"`
	Reverted         uint64 `json:"reverted"`
	LastBlock        uint64 `json:"lastBlock"`
	Subscribers      int    `json:"subscribers"`
	DroppedUpdates   uint64 `json:"droppedUpdates"`
}
