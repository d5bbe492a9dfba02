package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/blockrelay/btcnode/internal/event"
	"github.com/blockrelay/btcnode/internal/index"
	"github.com/blockrelay/btcnode/internal/store"
)

// Handler serves the minimal control-menu/query surface §1's Non-goals
// allow ("any user interface beyond a minimal control menu"): chain-tip
// queries, header/block lookups, and suspend/resume/snapshot triggers.
type Handler struct {
	store *store.Archive
	bus   *event.Bus
	index *index.Indexer // nil only when the caller passes none; node always passes one
}

// NewHandler creates an RPC Handler. idx may be nil; getAddressTxs and
// getTxHeight then return CodeInternalError with an "index disabled"
// message. With a non-nil Indexer whose indices are disabled they return
// an empty list and the index's not-found error respectively.
func NewHandler(archive *store.Archive, bus *event.Bus, idx *index.Indexer) *Handler {
	return &Handler{store: archive, bus: bus, index: idx}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockCount":
		return okResponse(req.ID, h.store.GetTopConfirmed())

	case "getCandidateHeight":
		return okResponse(req.ID, h.store.GetTopCandidate())

	case "getForkPoint":
		return okResponse(req.ID, h.store.GetFork())

	case "getHeader":
		return h.getHeader(req)

	case "getUnassociatedCount":
		return okResponse(req.ID, h.store.GetUnassociatedCount())

	case "isFault":
		return okResponse(req.ID, map[string]any{"fault": h.store.IsFault(), "code": h.store.GetFault().String()})

	case "snapshot":
		return h.triggerSnapshot(req)

	case "suspend":
		h.bus.Publish(event.Event{Kind: event.Suspend})
		return okResponse(req.ID, true)

	case "resume":
		h.bus.Publish(event.Event{Kind: event.Resume})
		return okResponse(req.ID, true)

	case "getAddressTxs":
		return h.getAddressTxs(req)

	case "getTxHeight":
		return h.getTxHeight(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getHeader(req Request) Response {
	var params struct {
		Height *int32 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.Height == nil {
		return errResponse(req.ID, CodeInvalidParams, "height is required")
	}
	link, ok := h.store.ToCandidate(*params.Height)
	if !ok {
		return errResponse(req.ID, CodeInternalError, "no header at that height")
	}
	view, ok := h.store.Header(link)
	if !ok {
		return errResponse(req.ID, CodeInternalError, "header record missing")
	}
	return okResponse(req.ID, map[string]any{
		"hash":   view.Hash.String(),
		"height": view.Height,
		"state":  view.State.String(),
		"bits":   view.Header.Bits,
	})
}

func (h *Handler) getAddressTxs(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if h.index == nil {
		return errResponse(req.ID, CodeInternalError, "address index disabled")
	}
	txs, err := h.index.AddressTxs(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "txs": txs})
}

func (h *Handler) getTxHeight(req Request) Response {
	var params struct {
		TxID string `json:"txid"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if h.index == nil {
		return errResponse(req.ID, CodeInternalError, "tx index disabled")
	}
	height, err := h.index.TxHeight(params.TxID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"txid": params.TxID, "height": height})
}

func (h *Handler) triggerSnapshot(req Request) Response {
	var params struct {
		Height int32 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	h.bus.Publish(event.Event{Kind: event.Snap, Value: event.U32(uint32(params.Height))})
	return okResponse(req.ID, true)
}
