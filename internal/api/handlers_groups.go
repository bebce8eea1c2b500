package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
)

func groupIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	groupID, err := uuid.Parse(chi.URLParam(r, "group_id"))
	if err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "invalid group_id"})
		return uuid.Nil, false
	}
	return groupID, true
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req domain.CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.CreatorAccountID = accountID
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey, "group_create", accountID, req.InviteLink)

	group, err := h.groups.CreateGroup(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, group)
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	group, err := h.groups.GetGroup(r.Context(), groupID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, group)
}

type pinBody struct {
	DurationHours  int    `json:"duration_hours"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) handlePinGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}

	var body pinBody
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	req := domain.PinRequest{
		GroupID:           groupID,
		OperatorAccountID: accountID,
		DurationHours:     body.DurationHours,
		IdempotencyKey: idempotencyKey(r, body.IdempotencyKey, "group_pin",
			groupID.String(), accountID, strconv.Itoa(body.DurationHours)),
	}

	result, err := h.groups.PinGroup(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProvisioningResult(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	var event domain.ProvisioningStatusEvent
	if !decodeJSON(w, r, &event) {
		return
	}
	event.GroupID = groupID.String()

	group, err := h.groups.HandleProvisioningResult(r.Context(), event)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, group)
}

func (h *Handler) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	group, err := h.groups.RemoveGroup(r.Context(), groupID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, group)
}

func (h *Handler) handleUnpinGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	group, err := h.groups.UnpinGroup(r.Context(), groupID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, group)
}

func (h *Handler) handleGetRewardPool(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	pool, err := h.pools.Get(r.Context(), groupID.String())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pool)
}

func (h *Handler) handleUpdateRewardPool(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupIDParam(w, r)
	if !ok {
		return
	}
	var params domain.UpdateRewardPoolParams
	if !decodeJSON(w, r, &params) {
		return
	}

	pool, err := h.pools.Update(r.Context(), groupID.String(), params)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, pool)
}
