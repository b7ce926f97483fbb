package dispatcher

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/web3"
)

// Pool is a fixed, ordered set of signing accounts. Selection prefers idle
// accounts with short queues so load spreads evenly, and quarantined
// accounts stay out of rotation until an explicit reset.
type Pool struct {
	accounts []*Account
}

// NewPool derives one account per private key, preserving order. Indexes are
// stable identifiers: they end up in queue store rows and in the operator
// API.
func NewPool(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing keys provided")
	}
	accounts := make([]*Account, 0, len(keys))
	for i, key := range keys {
		signer, err := web3.NewSignerFromHex(key)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		accounts = append(accounts, newAccount(uint32(i), signer))
	}
	return &Pool{accounts: accounts}, nil
}

// Size returns the number of accounts.
func (p *Pool) Size() int {
	return len(p.accounts)
}

// Accounts returns the accounts in index order.
func (p *Pool) Accounts() []*Account {
	return p.accounts
}

// Get returns the account at index.
func (p *Pool) Get(index uint32) (*Account, bool) {
	if int(index) >= len(p.accounts) {
		return nil, false
	}
	return p.accounts[index], true
}

// Addresses returns the derived address of every account, in index order.
func (p *Pool) Addresses() []common.Address {
	out := make([]common.Address, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.Address()
	}
	return out
}

// Overlaps returns the addresses present in both pools. The live and
// recovery pools must stay disjoint so their nonce sequences never
// interleave on one account.
func (p *Pool) Overlaps(other *Pool) []common.Address {
	seen := make(map[common.Address]struct{}, len(p.accounts))
	for _, a := range p.accounts {
		seen[a.Address()] = struct{}{}
	}
	var overlap []common.Address
	for _, a := range other.accounts {
		if _, ok := seen[a.Address()]; ok {
			overlap = append(overlap, a.Address())
		}
	}
	return overlap
}

// Select picks the account the next intent should queue on. Idle accounts
// win over busy ones, shorter queues win over longer ones, and the lowest
// index breaks ties. Returns ErrNoAvailableAccount when every account is
// quarantined.
func (p *Pool) Select() (*Account, error) {
	var idle, busy *Account
	var idleLen, busyLen int
	for _, a := range p.accounts {
		quarantined, sending, queueLen := a.schedulable()
		if quarantined {
			continue
		}
		if !sending {
			if idle == nil || queueLen < idleLen {
				idle, idleLen = a, queueLen
			}
		} else if busy == nil || queueLen < busyLen {
			busy, busyLen = a, queueLen
		}
	}
	if idle != nil {
		return idle, nil
	}
	if busy != nil {
		return busy, nil
	}
	return nil, ErrNoAvailableAccount
}

// Reset returns a quarantined account to rotation, clearing its failure
// streak and dropping its nonce so the next submission reseeds from the
// chain. The account's local queue is drained and returned so the caller
// can reschedule it.
func (p *Pool) Reset(index uint32) ([]*types.Intent, error) {
	a, ok := p.Get(index)
	if !ok {
		return nil, fmt.Errorf("reset account %d: %w", index, ErrUnknownAccount)
	}
	drained := a.reset()
	a.Wake()
	return drained, nil
}

// Statuses snapshots every account in index order.
func (p *Pool) Statuses() []types.AccountStatus {
	out := make([]types.AccountStatus, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.Status()
	}
	return out
}
