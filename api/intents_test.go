package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/hopchain/txdispatch/types"
)

func TestSubmitJumpLifecycle(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)

	rr := ta.request(c, http.MethodPost, JumpEndpoint, JumpRequest{
		Player: testPlayer,
		GameID: "G1",
		Height: 1500,
		Score:  42,
	})
	c.Assert(rr.Code, qt.Equals, http.StatusOK, qt.Commentf("body: %s", rr.Body.String()))
	admitted := decodeResponse[IntentResponse](c, rr)
	c.Assert(admitted.IntentID, qt.Not(qt.Equals), uint64(0))

	// The dry-run chain mines every submission, so the watcher finalizes
	// the row without further prodding.
	waitUntil(c, 2*time.Second, func() bool {
		return ta.intentStatus(c, admitted.IntentID) == types.StatusConfirmed
	}, "intent reaches confirmed")

	rr = ta.request(c, http.MethodGet, "/intents/1", nil)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	status := decodeResponse[IntentStatusResponse](c, rr)
	c.Assert(status.Intent.ID, qt.Equals, admitted.IntentID)
	c.Assert(status.Intent.Status, qt.Equals, types.StatusConfirmed)
	c.Assert(status.Intent.Kind, qt.Equals, types.KindJump)
	c.Assert(len(status.Intent.Hash), qt.Equals, 32)

	rr = ta.request(c, http.MethodGet, PendingCountEndpoint, nil)
	c.Assert(rr.Code, qt.Equals, http.StatusOK)
	pending := decodeResponse[PendingCountResponse](c, rr)
	c.Assert(pending.Pending, qt.Equals, uint64(0))
}

func TestSubmitGameOverAndSetPlayer(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)

	rr := ta.request(c, http.MethodPost, GameOverEndpoint, GameOverRequest{
		Player: testPlayer,
		GameID: "G1",
		Score:  900,
	})
	c.Assert(rr.Code, qt.Equals, http.StatusOK, qt.Commentf("body: %s", rr.Body.String()))
	over := decodeResponse[IntentResponse](c, rr)

	rr = ta.request(c, http.MethodPost, SetPlayerEndpoint, SetPlayerRequest{
		Player:   testPlayer,
		Username: "hopper",
	})
	c.Assert(rr.Code, qt.Equals, http.StatusOK, qt.Commentf("body: %s", rr.Body.String()))
	name := decodeResponse[IntentResponse](c, rr)
	c.Assert(name.IntentID, qt.Not(qt.Equals), over.IntentID)

	waitUntil(c, 2*time.Second, func() bool {
		return ta.intentStatus(c, over.IntentID) == types.StatusConfirmed &&
			ta.intentStatus(c, name.IntentID) == types.StatusConfirmed
	}, "both intents reach confirmed")

	// The confirmed game over lands on the leaderboard.
	best, ok := ta.store.BestScore(common.HexToAddress(testPlayer))
	c.Assert(ok, qt.IsTrue)
	c.Assert(best, qt.Equals, uint64(900))
}

func TestSubmitValidation(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)

	tests := []struct {
		name     string
		endpoint string
		body     any
		raw      string
		status   int
		contains string
	}{
		{
			name:     "truncated json",
			endpoint: JumpEndpoint,
			raw:      `{"player":`,
			status:   http.StatusBadRequest,
			contains: "malformed JSON body",
		},
		{
			name:     "bad address",
			endpoint: JumpEndpoint,
			body:     JumpRequest{Player: "not-an-address", GameID: "G1"},
			status:   http.StatusBadRequest,
			contains: "malformed address",
		},
		{
			name:     "missing game id",
			endpoint: JumpEndpoint,
			body:     JumpRequest{Player: testPlayer},
			status:   http.StatusBadRequest,
			contains: "missing game id",
		},
		{
			name:     "gameover bad address",
			endpoint: GameOverEndpoint,
			body:     GameOverRequest{Player: "0x123", GameID: "G1"},
			status:   http.StatusBadRequest,
			contains: "malformed address",
		},
		{
			name:     "setplayer missing username",
			endpoint: SetPlayerEndpoint,
			body:     SetPlayerRequest{Player: testPlayer},
			status:   http.StatusBadRequest,
			contains: "missing username",
		},
	}
	for _, tt := range tests {
		var rr *httptest.ResponseRecorder
		if tt.raw != "" {
			req, err := http.NewRequest(http.MethodPost, tt.endpoint, strings.NewReader(tt.raw))
			c.Assert(err, qt.IsNil)
			rr = httptest.NewRecorder()
			ta.api.Router().ServeHTTP(rr, req)
		} else {
			rr = ta.request(c, http.MethodPost, tt.endpoint, tt.body)
		}
		c.Check(rr.Code, qt.Equals, tt.status, qt.Commentf("%s: %s", tt.name, rr.Body.String()))
		c.Check(rr.Body.String(), qt.Contains, tt.contains, qt.Commentf("%s", tt.name))
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)
	c.Assert(ta.dispatcher.Stop(), qt.IsNil)

	rr := ta.request(c, http.MethodPost, JumpEndpoint, JumpRequest{
		Player: testPlayer,
		GameID: "G1",
	})
	c.Assert(rr.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(rr.Body.String(), qt.Contains, "not accepting")
}

func TestAdmissionWithStoreDown(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)
	ta.store.Close()

	rr := ta.request(c, http.MethodPost, JumpEndpoint, JumpRequest{
		Player: testPlayer,
		GameID: "G1",
	})
	c.Assert(rr.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(rr.Body.String(), qt.Contains, "queue store unavailable")
}

func TestIntentStatusErrors(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)

	rr := ta.request(c, http.MethodGet, "/intents/999", nil)
	c.Assert(rr.Code, qt.Equals, http.StatusNotFound)

	rr = ta.request(c, http.MethodGet, "/intents/banana", nil)
	c.Assert(rr.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(rr.Body.String(), qt.Contains, "could not parse intent id")
}
