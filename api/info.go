package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/types"
)

// health reports store connectivity
// GET /health
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}
	pingErr := a.store.Ping(r.Context())
	if pingErr == nil {
		httpWriteJSON(w, resp)
		return
	}
	log.Warnw("health check store ping failed", "error", pingErr)
	resp.Status = "degraded"
	resp.Store = pingErr.Error()

	jdata, err := json.Marshal(resp)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write(jdata); err != nil {
		log.Warnw("failed to write health response", "error", err)
	}
}

// info describes the running dispatcher
// GET /info
func (a *API) info(w http.ResponseWriter, r *http.Request) {
	resp := InfoResponse{
		ChainID:      a.chainID,
		Contract:     types.AddressHex(a.contract),
		Uptime:       time.Since(a.startedAt).Round(time.Second).String(),
		LiveAccounts: len(a.dispatcher.AccountStatuses()),
	}
	if a.recovery != nil {
		resp.RecoveryAccounts = len(a.recovery.AccountStatuses())
	}
	if n, err := a.dispatcher.PendingCount(r.Context()); err == nil {
		resp.Pending = n
	}
	if a.watcher != nil {
		resp.Confirmed = a.watcher.Confirmed()
		resp.Reverted = a.watcher.Reverted()
		resp.LastBlock = a.watcher.LastBlock()
	}
	if a.updates != nil {
		resp.Subscribers = a.updates.SubscriberCount()
		resp.DroppedUpdates = a.updates.Dropped()
	}
	httpWriteJSON(w, resp)
}
