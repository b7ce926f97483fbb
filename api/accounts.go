package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hopchain/txdispatch/dispatcher"
)

// accounts snapshots the live pool and, when configured, the recovery pool
// GET /accounts
func (a *API) accounts(w http.ResponseWriter, r *http.Request) {
	resp := AccountsResponse{
		Live: a.dispatcher.AccountStatuses(),
	}
	if a.recovery != nil {
		resp.Recovery = a.recovery.AccountStatuses()
	}
	httpWriteJSON(w, resp)
}

// resetAccount clears an account quarantine and returns it to rotation.
// The pool query parameter selects the live (default) or recovery pool.
// POST /accounts/{index}/reset?pool=live|recovery
func (a *API) resetAccount(w http.ResponseWriter, r *http.Request) {
	idxStr := chi.URLParam(r, AccountIndexURLParam)
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		ErrMalformedParam.Withf("could not parse account index %q", idxStr).Write(w)
		return
	}

	switch pool := r.URL.Query().Get(PoolQueryParam); pool {
	case "", "live":
		err = a.dispatcher.ResetAccount(uint32(idx))
	case "recovery":
		if a.recovery == nil {
			ErrResourceNotFound.Withf("no recovery pool configured").Write(w)
			return
		}
		err = a.recovery.ResetAccount(uint32(idx))
	default:
		ErrMalformedParam.Withf("unknown pool %q", pool).Write(w)
		return
	}
	if err != nil {
		if errors.Is(err, dispatcher.ErrUnknownAccount) {
			ErrAccountNotFound.Withf("index %d", idx).Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteOK(w)
}
