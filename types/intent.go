package types

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies the contract operation an Intent resolves to.
type Kind string

const (
	KindJump      Kind = "jump"
	KindGameOver  Kind = "gameover"
	KindSetPlayer Kind = "setplayer"
)

// Valid reports whether k is one of the recognized kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJump, KindGameOver, KindSetPlayer:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Status is the lifecycle state of an Intent. Transitions form the DAG
// pending -> sent -> {confirmed, failed}. pending -> failed is allowed when
// submission fails before a hash exists. failed -> sent happens only through
// the recovery dispatcher.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state for the live path. A failed
// Intent may still be resuscitated by recovery.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// UnassignedAccount marks an Intent that no sender has picked up yet.
const UnassignedAccount int32 = -1

// Intent is a durable submission request bound for the chain. It is the unit
// the queue store persists and the only record the dispatcher components
// exchange.
type Intent struct {
	ID           uint64         `json:"id"`
	Player       common.Address `json:"player"`
	GameID       string         `json:"gameId"`
	Kind         Kind           `json:"kind"`
	Score        uint64         `json:"score"`
	Height       uint64         `json:"height,omitempty"`
	Username     string         `json:"username,omitempty"`
	ClientTsMs   int64          `json:"clientTs"`
	Status       Status         `json:"status"`
	Hash         HexBytes       `json:"hash,omitempty"`
	AccountIndex int32          `json:"accountIndex"`
	Retries      uint32         `json:"retries"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// TxHash returns the submission hash as a common.Hash. Only meaningful when
// Submitted reports true.
func (i *Intent) TxHash() common.Hash {
	return common.BytesToHash(i.Hash)
}

// Submitted reports whether the Intent ever reached the chain.
func (i *Intent) Submitted() bool {
	return len(i.Hash) == common.HashLength
}

// Update is the notification emitted on every Intent transition. Subscribers
// are keyed by player address and game id; fan-out happens along those two
// keys only.
type Update struct {
	ID          uint64         `json:"id"`
	Player      common.Address `json:"player"`
	GameID      string         `json:"gameId"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	Hash        HexBytes       `json:"hash,omitempty"`
	Score       uint64         `json:"score,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
}

// UpdateFor builds the notification for the Intent's current state.
func (i *Intent) UpdateFor(blockNumber uint64) *Update {
	return &Update{
		ID:          i.ID,
		Player:      i.Player,
		GameID:      i.GameID,
		Kind:        i.Kind,
		Status:      i.Status,
		Hash:        i.Hash,
		Score:       i.Score,
		BlockNumber: blockNumber,
	}
}

// AccountStatus is the externally visible snapshot of one signing account.
type AccountStatus struct {
	Index             uint32         `json:"index"`
	Address           common.Address `json:"address"`
	Sending           bool           `json:"sending"`
	QueueLength       int            `json:"queueLength"`
	Processed         uint64         `json:"processed"`
	ConsecutiveErrors uint32         `json:"consecutiveErrors"`
	Quarantined       bool           `json:"quarantined"`
	NextNonce         uint64         `json:"nextNonce"`
	LastHash          HexBytes       `json:"lastHash,omitempty"`
	LastSubmit        time.Time      `json:"lastSubmit"`
}

// AddressHex renders an address the way the queue store persists it, as
// 0x-prefixed lower-case hex.
func AddressHex(a common.Address) string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseAddress decodes a 20-byte address from 0x-prefixed hex, case
// insensitive.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
