package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rewardpool/crypto"
	nativecommon "rewardpool/native/common"
	"rewardpool/native/custody"
	"rewardpool/native/rewards"
	"rewardpool/services/rewardsd/journal"
)

const maxBodyBytes = 1 << 16

var errBadRequest = errors.New("bad request")

type amountRequest struct {
	Amount string `json:"amount"`
}

type fundRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type sweepRequest struct {
	Destination string `json:"destination"`
}

type exportRequest struct {
	Type    string `json:"type,omitempty"`
	Account string `json:"account,omitempty"`
	Token   string `json:"token,omitempty"`
	Since   string `json:"since,omitempty"`
	Until   string `json:"until,omitempty"`
}

// StateResponse renders the global ledger snapshot.
type StateResponse struct {
	TotalPoints    string            `json:"totalPoints"`
	LastUpdateTime uint64            `json:"lastUpdateTime"`
	TotalWeight    string            `json:"totalWeight"`
	Tokens         []string          `json:"tokens"`
	Reserves       map[string]string `json:"reserves"`
	Earmarked      map[string]string `json:"earmarked"`
	Distributable  map[string]string `json:"distributable"`
}

// AccountResponse renders a checkpointed account.
type AccountResponse struct {
	Account        string `json:"account"`
	Points         string `json:"points"`
	LastUpdateTime uint64 `json:"lastUpdateTime"`
}

// ShareResponse reports an account's share of total points scaled by 1e18.
type ShareResponse struct {
	Account string `json:"account"`
	Share   string `json:"share"`
	Scale   string `json:"scale"`
}

// EarnedResponse previews claimable rewards and lists owed payouts.
type EarnedResponse struct {
	Account string            `json:"account"`
	Earned  map[string]string `json:"earned"`
	Owed    map[string]string `json:"owed,omitempty"`
}

// ClaimResponse renders a claim outcome.
type ClaimResponse struct {
	Account     string            `json:"account"`
	Points      string            `json:"points"`
	TotalBefore string            `json:"totalBefore"`
	Paid        map[string]string `json:"paid"`
	Deferred    map[string]string `json:"deferred,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// HarvestResponse lists the fee skimmed per token.
type HarvestResponse struct {
	Fees map[string]string `json:"fees"`
}

// SweepResponse reports a reserve sweep.
type SweepResponse struct {
	Token       string `json:"token"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// FundResponse reports the pending balance after funding.
type FundResponse struct {
	Token   string `json:"token"`
	Pending string `json:"pending"`
}

// JournalEntry renders a journal row.
type JournalEntry struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	Token      string            `json:"token,omitempty"`
	Amount     string            `json:"amount,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Checksum   string            `json:"checksum"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// ExportResponse reports a parquet export.
type ExportResponse struct {
	File string `json:"file"`
	Rows int    `json:"rows"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) span(r *http.Request, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(r.Context(), name, trace.WithAttributes(attrs...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	_, span := s.span(r, "rewards.Snapshot")
	snap, err := s.ledger.Snapshot()
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		TotalPoints:    bigString(snap.TotalPoints),
		LastUpdateTime: snap.LastUpdateTime,
		TotalWeight:    bigString(snap.TotalWeight),
		Tokens:         snap.Tokens,
		Reserves:       amountMap(snap.Reserves),
		Earmarked:      amountMap(snap.Earmarked),
		Distributable:  amountMap(snap.Distributable),
	})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, span := s.span(r, "rewards.ShareOf", attribute.String("account", addr.String()))
	share, err := s.ledger.ShareOf(addr)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShareResponse{Account: addr.String(), Share: bigString(share), Scale: rewards.Scale.String()})
}

func (s *Server) handleEarned(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, span := s.span(r, "rewards.Earned", attribute.String("account", addr.String()))
	earned, err := s.ledger.Earned(addr)
	var owed []rewards.OwedPayout
	if err == nil {
		owed, err = s.ledger.OwedPayouts(addr)
	}
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := EarnedResponse{Account: addr.String(), Earned: amountMap(earned)}
	if len(owed) > 0 {
		resp.Owed = make(map[string]string, len(owed))
		for _, payout := range owed {
			resp.Owed[payout.Token] = bigString(payout.Amount)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, span := s.span(r, "rewards.Checkpoint", attribute.String("account", addr.String()))
	acc, err := s.ledger.Checkpoint(addr)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		Account:        addr.String(),
		Points:         bigString(acc.Points),
		LastUpdateTime: acc.LastUpdateTime,
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, span := s.span(r, "rewards.ClaimFor", attribute.String("account", addr.String()))
	result, err := s.ledger.ClaimFor(ctx, addr)
	finishSpan(span, err)
	if err != nil && (result == nil || !errors.Is(err, rewards.ErrTransferFailed)) {
		s.writeError(w, err)
		return
	}
	resp := ClaimResponse{
		Account:     addr.String(),
		Points:      bigString(result.Points),
		TotalBefore: bigString(result.TotalBefore),
		Paid:        amountMap(result.Paid),
	}
	if len(result.Deferred) > 0 {
		resp.Deferred = amountMap(result.Deferred)
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, "rewards.Deposit", s.ledger.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, "rewards.Withdraw", s.ledger.Withdraw)
}

func (s *Server) handleStakeChange(w http.ResponseWriter, r *http.Request, name string, apply func(context.Context, crypto.Address, *big.Int) error) {
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, span := s.span(r, name, attribute.String("account", addr.String()), attribute.String("amount", amount.String()))
	err = apply(ctx, addr, amount)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeShare(w, addr)
}

func (s *Server) writeShare(w http.ResponseWriter, addr crypto.Address) {
	share, err := s.ledger.ShareOf(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShareResponse{Account: addr.String(), Share: bigString(share), Scale: rewards.Scale.String()})
}

func (s *Server) handleHarvest(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.span(r, "rewards.HarvestAndSkim")
	fees, err := s.ledger.HarvestAndSkim(ctx)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HarvestResponse{Fees: amountMap(fees)})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if s.treasury == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "funding not available"})
		return
	}
	var req fundRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if token == "" {
		s.writeError(w, fmt.Errorf("%w: token required", errBadRequest))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, span := s.span(r, "custody.Fund", attribute.String("token", token), attribute.String("amount", amount.String()))
	err = s.treasury.Fund(token, amount)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FundResponse{Token: token, Pending: bigString(s.treasury.PendingBalance(token))})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	token := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "token")))
	var req sweepRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	destination, err := crypto.DecodeAddress(req.Destination)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, span := s.span(r, "rewards.SweepReserve", attribute.String("token", token), attribute.String("destination", destination.String()))
	amount, err := s.ledger.SweepReserve(ctx, token, destination)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Token: token, Destination: destination.String(), Amount: bigString(amount)})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "journal not configured"})
		return
	}
	query := r.URL.Query()
	filter, err := parseFilter(query.Get("type"), query.Get("account"), query.Get("token"), query.Get("since"), query.Get("until"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]JournalEntry, 0, len(entries))
	for _, entry := range entries {
		attrs := make(map[string]string)
		if entry.Attributes != "" {
			if err := json.Unmarshal([]byte(entry.Attributes), &attrs); err != nil {
				s.writeError(w, err)
				return
			}
		}
		out = append(out, JournalEntry{
			ID:         entry.ID.String(),
			Type:       entry.Type,
			Account:    entry.Account,
			Token:      entry.Token,
			Amount:     entry.Amount,
			Attributes: attrs,
			Checksum:   entry.Checksum,
			OccurredAt: entry.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil || s.exportDir == "" {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "journal export not configured"})
		return
	}
	var req exportRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	filter, err := parseFilter(req.Type, req.Account, req.Token, req.Since, req.Until)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		s.writeError(w, err)
		return
	}
	name := fmt.Sprintf("journal-%s.parquet", time.Now().UTC().Format("20060102T150405.000Z"))
	path := filepath.Join(s.exportDir, name)
	ctx, span := s.span(r, "journal.ExportParquet", attribute.String("file", name))
	rows, err := s.journal.ExportParquet(ctx, path, filter)
	finishSpan(span, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExportResponse{File: name, Rows: rows})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("rewards api request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rewards.ErrReentrancy):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, rewards.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, rewards.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, errBadRequest),
		errors.Is(err, crypto.ErrInvalidAddress),
		errors.Is(err, rewards.ErrInvalidAmount),
		errors.Is(err, rewards.ErrInvalidDestination),
		errors.Is(err, custody.ErrInsufficientStake),
		errors.Is(err, custody.ErrUnknownToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func addressParam(r *http.Request) (crypto.Address, error) {
	return crypto.DecodeAddress(chi.URLParam(r, "addr"))
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: amount required", errBadRequest)
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, raw)
	}
	if amount.Sign() <= 0 {
		return nil, rewards.ErrInvalidAmount
	}
	return amount, nil
}

func parseFilter(eventType, account, token, since, until string) (journal.Filter, error) {
	filter := journal.Filter{
		Type:    strings.TrimSpace(eventType),
		Account: strings.TrimSpace(account),
		Token:   strings.ToUpper(strings.TrimSpace(token)),
	}
	var err error
	if filter.Since, err = parseTime(since); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime(until); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time %q", errBadRequest, raw)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func amountMap(in map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(in))
	for token, amount := range in {
		out[token] = bigString(amount)
	}
	return out
}
