package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

// writeAdmissionError maps an admission failure to its API error. The
// durable insert is the only step that can fail an admission; scheduling
// problems are absorbed by the queue.
func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrNotAccepting):
		ErrNotAccepting.Write(w)
	case errors.Is(err, store.ErrUnavailable):
		ErrStoreUnavailable.Write(w)
	default:
		ErrGenericInternalServerError.WithErr(err).Write(w)
	}
}

// submitJump admits a jump intent into the queue
// POST /jump
func (a *API) submitJump(w http.ResponseWriter, r *http.Request) {
	req := &JumpRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	player, ok := types.ParseAddress(req.Player)
	if !ok {
		ErrMalformedAddress.Withf("%q", req.Player).Write(w)
		return
	}
	if req.GameID == "" {
		ErrMalformedBody.Withf("missing game id").Write(w)
		return
	}
	id, err := a.dispatcher.SubmitJump(r.Context(), player, req.GameID, req.Height, req.Score, req.ClientTs)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	httpWriteJSON(w, IntentResponse{IntentID: id})
}

// submitGameOver admits a game-over intent into the queue
// POST /gameover
func (a *API) submitGameOver(w http.ResponseWriter, r *http.Request) {
	req := &GameOverRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	player, ok := types.ParseAddress(req.Player)
	if !ok {
		ErrMalformedAddress.Withf("%q", req.Player).Write(w)
		return
	}
	if req.GameID == "" {
		ErrMalformedBody.Withf("missing game id").Write(w)
		return
	}
	id, err := a.dispatcher.SubmitGameOver(r.Context(), player, req.GameID, req.Score, req.ClientTs)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	httpWriteJSON(w, IntentResponse{IntentID: id})
}

// submitSetPlayer admits a player-name intent into the queue
// POST /player
func (a *API) submitSetPlayer(w http.ResponseWriter, r *http.Request) {
	req := &SetPlayerRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.Withf("could not decode request body: %v", err).Write(w)
		return
	}
	player, ok := types.ParseAddress(req.Player)
	if !ok {
		ErrMalformedAddress.Withf("%q", req.Player).Write(w)
		return
	}
	if req.Username == "" {
		ErrMalformedBody.Withf("missing username").Write(w)
		return
	}
	id, err := a.dispatcher.SubmitSetPlayer(r.Context(), player, req.Username, req.ClientTs)
	if err != nil {
		writeAdmissionError(w, err)
		return
	}
	httpWriteJSON(w, IntentResponse{IntentID: id})
}

// intentStatus returns the stored state of one intent
// GET /intents/{intentId}
func (a *API) intentStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, IntentIDURLParam)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		ErrMalformedParam.Withf("could not parse intent id %q", idStr).Write(w)
		return
	}
	in, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrResourceNotFound.Write(w)
			return
		}
		if errors.Is(err, store.ErrUnavailable) {
			ErrStoreUnavailable.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, IntentStatusResponse{Intent: in})
}

// pendingCount returns the number of pending intents
// GET /queue/pending
func (a *API) pendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.dispatcher.PendingCount(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			ErrStoreUnavailable.Write(w)
			return
		}
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, PendingCountResponse{Pending: n})
}
