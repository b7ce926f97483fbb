package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/types"
)

const (
	defaultPollWait = 25 * time.Second
	// maxPollWait stays under the router request timeout.
	maxPollWait  = 30 * time.Second
	maxPollBatch = 100
)

// pollUpdates blocks until at least one update matches the subscription or
// the wait window closes, then returns everything collected. A client long
// polls in a loop: each response, empty or not, is followed by the next
// request.
// GET /updates?player=0x..&game=G1&wait=5000
func (a *API) pollUpdates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var player common.Address
	if s := q.Get(PlayerQueryParam); s != "" {
		p, ok := types.ParseAddress(s)
		if !ok {
			ErrMalformedAddress.Withf("%q", s).Write(w)
			return
		}
		player = p
	}
	gameID := q.Get(GameQueryParam)
	if player == (common.Address{}) && gameID == "" {
		ErrMissingSubscription.Write(w)
		return
	}

	wait := defaultPollWait
	if s := q.Get(WaitQueryParam); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ms < 0 {
			ErrMalformedParam.Withf("could not parse wait %q", s).Write(w)
			return
		}
		wait = time.Duration(ms) * time.Millisecond
		if wait > maxPollWait {
			wait = maxPollWait
		}
	}

	sub := a.updates.Subscribe(player, gameID)
	defer a.updates.Unsubscribe(sub.ID)

	resp := UpdatesResponse{Updates: []*types.Update{}}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case u, ok := <-sub.C:
		if ok {
			resp.Updates = append(resp.Updates, u)
		}
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

	// Pick up whatever else arrived while the first update was in flight.
drain:
	for len(resp.Updates) < maxPollBatch {
		select {
		case u, ok := <-sub.C:
			if !ok {
				break drain
			}
			resp.Updates = append(resp.Updates, u)
		default:
			break drain
		}
	}
	httpWriteJSON(w, resp)
}
