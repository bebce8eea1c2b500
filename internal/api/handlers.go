/**
 * @description
 * HTTP handlers for the ledger-service: balances, charges, credits, refunds and
 * entry rewards. Every mutating route takes its idempotency key from the body,
 * then the Idempotency-Key header, and otherwise derives one from the request's
 * logical identifiers.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hongbao/ledger-service/internal/app"
	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 200
	maxBodyBytes        = 1 << 20
)

// Handler holds the application services that handlers interact with.
type Handler struct {
	engine *app.Engine
	groups *app.GroupLifecycle
	pools  *app.RewardPools
}

func NewHandler(engine *app.Engine, groups *app.GroupLifecycle, pools *app.RewardPools) *Handler {
	return &Handler{engine: engine, groups: groups, pools: pools}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// statusForError maps the ledger error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrFraudDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrIdempotencyConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, app.ErrPoolExhausted),
		errors.Is(err, app.ErrAlreadyClaimed),
		errors.Is(err, app.ErrCooldown),
		errors.Is(err, app.ErrGroupNotActive),
		errors.Is(err, app.ErrPinLimitReached):
		return http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, status, errorResponse{Error: app.ErrorCode(err), Message: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "invalid request body"})
		return false
	}
	return true
}

// idempotencyKey picks the key supplied in the body, then the header, and
// finally derives one from the operation's logical identifiers.
func idempotencyKey(r *http.Request, bodyKey, operation string, parts ...string) string {
	if key := strings.TrimSpace(bodyKey); key != "" {
		return key
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return app.DeriveKey(operation, parts...)
}

func (h *Handler) handleGetMyAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.engine.GetBalance(r.Context(), accountID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleGetAccountInternal(w http.ResponseWriter, r *http.Request) {
	account, err := h.engine.GetBalance(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

type entriesResponse struct {
	Entries     []domain.LedgerEntry `json:"entries"`
	NextAfterID *int64               `json:"next_after_id,omitempty"`
}

func (h *Handler) handleListMyEntries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var afterID int64
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "after_id must be a non-negative integer", http.StatusBadRequest)
			return
		}
		afterID = parsed
	}
	limit := defaultEntriesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxEntriesLimit)
	}

	resp := entriesResponse{Entries: make([]domain.LedgerEntry, 0, limit)}
	for entry, err := range h.engine.EntriesFor(r.Context(), accountID, afterID) {
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if len(resp.Entries) == limit {
			last := resp.Entries[len(resp.Entries)-1].ID
			resp.NextAfterID = &last
			break
		}
		resp.Entries = append(resp.Entries, entry)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req domain.ChargeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if reason, ok := domain.ParseReason(string(req.Reason)); ok {
		req.Reason = reason
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey, "charge",
		req.AccountID, string(req.Reason), strconv.FormatInt(req.Amount, 10), req.Note)

	result, err := h.engine.Charge(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req domain.CreditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey, "credit",
		req.AccountID, strconv.FormatInt(req.Amount, 10), req.Note)

	result, err := h.engine.Credit(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req domain.RefundRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.engine.Refund(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGrantEntryRewardInternal(w http.ResponseWriter, r *http.Request) {
	var req domain.GrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Fingerprint == "" {
		req.Fingerprint = r.Header.Get("X-Device-Fingerprint")
	}
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey, "entry_reward", req.AccountID, req.GroupID)
	h.grantEntryReward(w, r, req)
}

type entryRewardBody struct {
	Fingerprint string `json:"fingerprint"`
}

func (h *Handler) handleGrantEntryReward(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body entryRewardBody
	if r.ContentLength > 0 && !decodeJSON(w, r, &body) {
		return
	}
	groupID := chi.URLParam(r, "group_id")
	req := domain.GrantRequest{
		AccountID:   accountID,
		GroupID:     groupID,
		Fingerprint: strings.TrimSpace(body.Fingerprint),
	}
	if req.Fingerprint == "" {
		req.Fingerprint = strings.TrimSpace(r.Header.Get("X-Device-Fingerprint"))
	}
	req.IdempotencyKey = idempotencyKey(r, "", "entry_reward", accountID, groupID)
	h.grantEntryReward(w, r, req)
}

func (h *Handler) grantEntryReward(w http.ResponseWriter, r *http.Request, req domain.GrantRequest) {
	result, err := h.engine.GrantEntryReward(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	status := http.StatusOK
	if grantErr := app.GrantError(*result); grantErr != nil {
		status = statusForError(grantErr)
	}
	respondWithJSON(w, status, result)
}
