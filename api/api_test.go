package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	qt "github.com/frankban/quicktest"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store/memstore"
	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/watcher"
	"github.com/hopchain/txdispatch/web3"
)

// Well-known development keys, the ones every local chain ships funded.
var testKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

var (
	testPlayer   = "0x00000000000000000000000000000000000000aa"
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

// testAPI is a full dispatcher stack over the in-memory store and the
// dry-run chain, which mines a synthetic block per submission.
type testAPI struct {
	api        *API
	store      *memstore.Store
	dispatcher *dispatcher.Dispatcher
	recovery   *dispatcher.Recovery
	registry   *notify.Registry
}

func newTestAPI(c *qt.C) *testAPI {
	st := memstore.New()
	chain := web3.NewDryRun()
	reg := notify.NewRegistry()

	livePool, err := dispatcher.NewPool(testKeys[:2])
	c.Assert(err, qt.IsNil)
	d := dispatcher.New(st, chain, reg, livePool, dispatcher.Config{
		ProcessInterval: 10 * time.Millisecond,
		Cooldown:        time.Millisecond,
	})

	recoveryPool, err := dispatcher.NewPool(testKeys[2:3])
	c.Assert(err, qt.IsNil)
	rcfg := dispatcher.DefaultRecoveryConfig()
	rcfg.Interval = time.Hour // passes run by hand in tests
	rec := dispatcher.NewRecovery(st, chain, reg, recoveryPool, rcfg)

	wtr := watcher.New(st, chain, reg, watcher.Config{PollInterval: 10 * time.Millisecond})

	a, err := New(&Config{
		Host:       "127.0.0.1",
		Port:       0,
		Store:      st,
		Dispatcher: d,
		Recovery:   rec,
		Watcher:    wtr,
		Updates:    reg,
		ChainID:    31337,
		Contract:   testContract,
	})
	c.Assert(err, qt.IsNil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	c.Assert(wtr.Start(context.Background()), qt.IsNil)
	c.Cleanup(func() {
		_ = wtr.Stop()
		_ = d.Stop()
		reg.Close()
	})
	return &testAPI{api: a, store: st, dispatcher: d, recovery: rec, registry: reg}
}

// request runs one HTTP request through the router. A non-nil body is
// marshaled as JSON.
func (ta *testAPI) request(c *qt.C, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, qt.IsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	c.Assert(err, qt.IsNil)
	rr := httptest.NewRecorder()
	ta.api.Router().ServeHTTP(rr, req)
	return rr
}

func decodeResponse[T any](c *qt.C, rr *httptest.ResponseRecorder) T {
	var out T
	c.Assert(json.Unmarshal(rr.Body.Bytes(), &out), qt.IsNil,
		qt.Commentf("body: %s", rr.Body.String()))
	return out
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(c *qt.C, timeout time.Duration, cond func() bool, msg string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("condition not reached within %s: %s", timeout, msg)
}

func (ta *testAPI) intentStatus(c *qt.C, id uint64) types.Status {
	row, err := ta.store.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	return row.Status
}

func TestNewValidation(t *testing.T) {
	c := qt.New(t)
	_, err := New(nil)
	c.Assert(err, qt.IsNotNil)
	_, err = New(&Config{})
	c.Assert(err, qt.IsNotNil)
	_, err = New(&Config{Store: memstore.New()})
	c.Assert(err, qt.IsNotNil)
}

func TestServerStartStop(t *testing.T) {
	c := qt.New(t)
	ta := newTestAPI(c)

	c.Assert(ta.api.Start(), qt.IsNil)
	c.Assert(ta.api.Addr(), qt.Not(qt.Equals), "")

	resp, err := http.Get("http://" + ta.api.Addr() + PingEndpoint)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close() //nolint:errcheck
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)

	c.Assert(ta.api.Stop(), qt.IsNil)
	c.Assert(ta.api.Stop(), qt.IsNil)
}
