package httpapi

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	app "github.com/tokenbridge/relayer/internal/app"
	"github.com/tokenbridge/relayer/internal/app/domain/deposit"
	"github.com/tokenbridge/relayer/internal/app/domain/withdrawal"
	"github.com/tokenbridge/relayer/internal/app/fault"
	"github.com/tokenbridge/relayer/internal/app/metrics"
	"github.com/tokenbridge/relayer/internal/app/services/monitor"
)

// handler bundles HTTP endpoints for the relay services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// NewHandler returns the router exposing the relay REST API. Privileged
// operations are recorded in an audit trail; a non-nil sink additionally
// persists entries.
func NewHandler(application *app.Application, sink AuditSink) http.Handler {
	h := &handler{app: application, audit: newAuditLog(200, sink)}

	r := chi.NewRouter()
	r.Use(metrics.InstrumentHandler)

	r.Route("/deposits", func(r chi.Router) {
		r.Post("/", h.createDeposit)
		r.Get("/{id}", h.getDeposit)
		r.Post("/{id}/process", h.processDeposit)
	})
	r.Post("/transactions/{txID}/check", h.checkTransaction)
	r.Route("/withdrawals", func(r chi.Router) {
		r.Post("/", h.createWithdrawal)
		r.Get("/{id}", h.getWithdrawal)
	})
	r.Route("/gas", func(r chi.Router) {
		r.Get("/price", h.gasPrice)
		r.Post("/estimate", h.estimateFee)
	})
	r.Route("/relayers/{address}", func(r chi.Router) {
		r.Get("/balance", h.relayerBalance)
		r.Post("/compensate", h.compensateRelayer)
		r.Post("/withdraw", h.withdrawRelayerBalance)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/multiplier", h.setMultiplier)
		r.Post("/pause", h.pause)
		r.Post("/unpause", h.unpause)
		r.Get("/audit", h.auditTrail)
	})
	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

type depositView struct {
	ID            string `json:"id"`
	SourceAddress string `json:"source_address"`
	DestAddress   string `json:"dest_address"`
	Amount        string `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	Status        string `json:"status"`
	FirstSeenAt   string `json:"first_seen_at"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func viewDeposit(d deposit.Deposit) depositView {
	amount := "0"
	if d.Amount != nil {
		amount = d.Amount.String()
	}
	return depositView{
		ID:            d.ID,
		SourceAddress: d.SourceAddress,
		DestAddress:   d.DestAddress,
		Amount:        amount,
		Confirmations: d.Confirmations,
		Status:        string(d.Status),
		FirstSeenAt:   d.FirstSeenAt.Format(time.RFC3339),
		FailureReason: d.FailureReason,
	}
}

type withdrawalView struct {
	ID            string `json:"id"`
	Requester     string `json:"requester"`
	DestAddress   string `json:"dest_address"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	Status        string `json:"status"`
	RequestedAt   string `json:"requested_at"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func viewWithdrawal(w withdrawal.Withdrawal) withdrawalView {
	amount, fee := "0", "0"
	if w.Amount != nil {
		amount = w.Amount.String()
	}
	if w.Fee != nil {
		fee = w.Fee.String()
	}
	return withdrawalView{
		ID:            w.ID,
		Requester:     w.Requester,
		DestAddress:   w.DestSourceChainAddress,
		Amount:        amount,
		Fee:           fee,
		Status:        string(w.Status),
		RequestedAt:   w.RequestedAt.Format(time.RFC3339),
		FailureReason: w.FailureReason,
	}
}

func (h *handler) createDeposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TxID          string `json:"tx_id"`
		SourceAddress string `json:"source_address"`
		DestAddress   string `json:"dest_address"`
		Amount        string `json:"amount"`
		Nonce         uint64 `json:"nonce"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := h.app.Monitor.AddDepositInfo(r.Context(), payload.TxID, monitor.DepositInfo{
		SourceAddress: payload.SourceAddress,
		DestAddress:   payload.DestAddress,
		Amount:        amount,
		Nonce:         payload.Nonce,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"deposit_id": id})
}

func (h *handler) getDeposit(w http.ResponseWriter, r *http.Request) {
	dep, err := h.app.Bridge.GetDeposit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDeposit(dep))
}

func (h *handler) processDeposit(w http.ResponseWriter, r *http.Request) {
	dep, err := h.app.Bridge.ProcessDeposit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDeposit(dep))
}

func (h *handler) checkTransaction(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Monitor.ProcessTransaction(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Requester   string `json:"requester"`
		DestAddress string `json:"dest_address"`
		Amount      string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	wd, err := h.app.Bridge.RequestWithdrawal(r.Context(), payload.Requester, payload.DestAddress, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewWithdrawal(wd))
}

func (h *handler) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.app.Bridge.GetWithdrawal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWithdrawal(wd))
}

func (h *handler) gasPrice(w http.ResponseWriter, r *http.Request) {
	quote := h.app.FeeOracle.Quote()
	price := "0"
	if quote.Price != nil {
		price = quote.Price.String()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"price":           price,
		"last_updated_at": quote.LastUpdatedAt.Format(time.RFC3339),
	})
}

func (h *handler) estimateFee(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GasLimit uint64 `json:"gas_limit"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	if payload.GasLimit == 0 {
		writeError(w, fault.New(fault.Validation, "INVALID_GAS_LIMIT", "gas_limit must be positive"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"fee": h.app.FeeOracle.EstimateFee(payload.GasLimit).String(),
	})
}

func (h *handler) relayerBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.app.FeeOracle.Balance(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (h *handler) compensateRelayer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		GasUsed uint64 `json:"gas_used"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	if payload.GasUsed == 0 {
		writeError(w, fault.New(fault.Validation, "INVALID_GAS_USED", "gas_used must be positive"))
		return
	}

	credited, err := h.app.FeeOracle.CompensateRelayer(r.Context(), chi.URLParam(r, "address"), payload.GasUsed)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": credited.String()})
}

func (h *handler) withdrawRelayerBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	paid, err := h.app.FeeOracle.WithdrawBalance(r.Context(), address)
	h.audit.record(address, "withdraw_balance", "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": paid.String()})
}

func (h *handler) setMultiplier(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller     string `json:"caller"`
		Multiplier int64  `json:"multiplier"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	err := h.app.FeeOracle.SetFeeMultiplier(payload.Caller, payload.Multiplier)
	h.audit.record(payload.Caller, "set_multiplier", strconv.FormatInt(payload.Multiplier, 10), err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"multiplier": payload.Multiplier})
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller string `json:"caller"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	err := h.app.FeeOracle.Pause(payload.Caller)
	h.audit.record(payload.Caller, "pause", "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *handler) unpause(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller string `json:"caller"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, fault.Wrap(fault.Validation, "INVALID_BODY", "malformed request body", err))
		return
	}
	err := h.app.FeeOracle.Unpause(payload.Caller)
	h.audit.record(payload.Caller, "unpause", "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, fault.Newf(fault.Validation, "INVALID_LIMIT", "limit %q must be a positive integer", raw))
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, h.audit.list(limit))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.app.Monitor.HealthStatus(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fault.New(fault.Validation, "INVALID_AMOUNT", "amount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fault.Newf(fault.Validation, "INVALID_AMOUNT", "amount %q must be a positive integer", raw)
	}
	return amount, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": status < http.StatusBadRequest,
		"data":    data,
	})
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"code":    fault.CodeOf(err),
		"message": err.Error(),
	}
	if fe, ok := fault.As(err); ok {
		body["message"] = fe.Message
		if len(fe.Details) > 0 {
			body["details"] = fe.Details
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   body,
	})
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.Authorization:
		return http.StatusUnauthorized
	case fault.NotFound:
		return http.StatusNotFound
	case fault.StateConflict:
		return http.StatusConflict
	case fault.CircuitBreaker:
		return http.StatusTooManyRequests
	case fault.TransientInfra:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
