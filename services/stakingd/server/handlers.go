package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"stakepool/crypto"
	"stakepool/gateway/middleware"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/native/staking"
)

const maxBodyBytes = 1 << 20

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("caller does not match token subject")
)

type callerRequest struct {
	Caller string `json:"caller"`
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type mintRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type rateRequest struct {
	Caller string `json:"caller"`
	Rate   string `json:"rate"`
}

type pauseRequest struct {
	Caller string `json:"caller"`
	Paused *bool  `json:"paused"`
}

type tokenResponse struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name,omitempty"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type poolResponse struct {
	Owner             string         `json:"owner"`
	Module            string         `json:"module"`
	TotalStaked       string         `json:"totalStaked"`
	RewardPoolBalance string         `json:"rewardPoolBalance"`
	RewardRate        string         `json:"rewardRate"`
	Forfeited         string         `json:"forfeited"`
	LastUpdate        uint64         `json:"lastUpdate"`
	Paused            bool           `json:"paused"`
	Token             *tokenResponse `json:"token,omitempty"`
}

type segmentResponse struct {
	Start        uint64 `json:"start"`
	Rate         string `json:"rate"`
	IndexAtStart string `json:"indexAtStart"`
}

type accountResponse struct {
	Address         string `json:"address"`
	Amount          string `json:"amount"`
	IndexCheckpoint string `json:"indexCheckpoint"`
	LastSettledAt   uint64 `json:"lastSettledAt"`
	Unclaimed       string `json:"unclaimed"`
	Pending         string `json:"pending"`
	Balance         string `json:"balance"`
	Allowance       string `json:"allowance"`
}

type positionResponse struct {
	Address         string `json:"address"`
	Amount          string `json:"amount"`
	IndexCheckpoint string `json:"indexCheckpoint"`
	LastSettledAt   uint64 `json:"lastSettledAt"`
	Unclaimed       string `json:"unclaimed"`
	Pending         string `json:"pending"`
}

type payoutResponse struct {
	Address   string `json:"address"`
	Principal string `json:"principal"`
	Reward    string `json:"reward"`
	Shortfall string `json:"shortfall"`
	Total     string `json:"total"`
}

type historyEntry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Address    string            `json:"address"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt int64             `json:"occurredAt"`
	Digest     string            `json:"digest"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.engine.Pool()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := poolResponse{
		Owner:             snapshot.Owner.String(),
		Module:            s.engine.ModuleAddress().String(),
		TotalStaked:       amountString(snapshot.TotalStaked),
		RewardPoolBalance: amountString(snapshot.RewardPoolBalance),
		RewardRate:        amountString(snapshot.RewardRate),
		Forfeited:         amountString(snapshot.Forfeited),
		LastUpdate:        snapshot.LastUpdate,
		Paused:            snapshot.Paused,
	}
	if token, err := s.engine.Token(); err == nil && token != nil {
		resp.Token = &tokenResponse{
			Symbol:      token.Symbol,
			Name:        token.Name,
			Decimals:    token.Decimals,
			TotalSupply: amountString(token.TotalSupply),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.engine.RateHistory()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]segmentResponse, 0, len(schedule))
	for _, seg := range schedule {
		out = append(out, segmentResponse{
			Start:        seg.Start,
			Rate:         amountString(seg.Rate),
			IndexAtStart: amountString(seg.IndexAtStart),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, position := range positions {
		out = append(out, positionResponse{
			Address:         position.Address.String(),
			Amount:          amountString(position.Amount),
			IndexCheckpoint: amountString(position.IndexCheckpoint),
			LastSettledAt:   position.LastSettledAt,
			Unclaimed:       amountString(position.Unclaimed),
			Pending:         amountString(position.Pending),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := decodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.accountFor(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) accountFor(addr crypto.Address) (accountResponse, error) {
	position, err := s.engine.Stakes(addr)
	if err != nil {
		return accountResponse{}, err
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		return accountResponse{}, err
	}
	allowance, err := s.engine.Allowance(addr)
	if err != nil {
		return accountResponse{}, err
	}
	return accountResponse{
		Address:         addr.String(),
		Amount:          amountString(position.Amount),
		IndexCheckpoint: amountString(position.IndexCheckpoint),
		LastSettledAt:   position.LastSettledAt,
		Unclaimed:       amountString(position.Unclaimed),
		Pending:         amountString(position.Pending),
		Balance:         amountString(balance),
		Allowance:       amountString(allowance),
	}, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := decodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal unavailable"})
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
	}
	entries, err := s.history.History(r.Context(), addr.String(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, entry := range entries {
		attrs, err := entry.Attrs()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, historyEntry{
			ID:         entry.ID.String(),
			Seq:        entry.Seq,
			Type:       entry.Type,
			Address:    entry.Address,
			Attributes: attrs,
			OccurredAt: entry.OccurredAt.Unix(),
			Digest:     entry.Digest,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	if err := s.engine.Approve(caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "approved"})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.authorize(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := decodeAddress(req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := bank.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Mint(caller, to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "minted"})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	if _, err := s.engine.Stake(caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	resp, err := s.accountFor(caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	payout, err := s.engine.Unstake(caller, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	writeJSON(w, http.StatusOK, payoutFrom(caller, payout))
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.authorize(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payout, err := s.engine.Claim(caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	writeJSON(w, http.StatusOK, payoutFrom(caller, payout))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	if err := s.engine.FundRewards(caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	s.handlePool(w, r)
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller, err := s.authorize(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rate, ok := new(big.Int).SetString(strings.TrimSpace(req.Rate), 10)
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: rate must be an integer", staking.ErrInvalidAmount))
		return
	}
	if err := s.engine.SetRewardRate(caller, rate); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	s.handlePool(w, r)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	caller, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	if err := s.engine.WithdrawExcessRewards(caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	s.handlePool(w, r)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Paused == nil {
		s.writeError(w, r, fmt.Errorf("%w: paused flag required", errBadRequest))
		return
	}
	caller, err := s.authorize(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetPaused(caller, *req.Paused); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.observePool()
	s.handlePool(w, r)
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request, req *amountRequest) (crypto.Address, *big.Int, bool) {
	if err := decodeBody(r, req); err != nil {
		s.writeError(w, r, err)
		return crypto.Address{}, nil, false
	}
	caller, err := s.authorize(r, req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return crypto.Address{}, nil, false
	}
	amount, err := bank.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return crypto.Address{}, nil, false
	}
	return caller, amount, true
}

// authorize resolves the caller address and, when bearer auth is enabled,
// requires it to match the token subject.
func (s *Server) authorize(r *http.Request, raw string) (crypto.Address, error) {
	caller, err := decodeAddress(raw)
	if err != nil {
		return crypto.Address{}, err
	}
	if !s.auth.Enabled() {
		return caller, nil
	}
	subject, ok := middleware.SubjectFromContext(r.Context())
	if !ok || subject != caller.String() {
		return crypto.Address{}, errForbidden
	}
	return caller, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func decodeAddress(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, staking.ErrInvalidAddress
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", staking.ErrInvalidAddress, err)
	}
	return addr, nil
}

func payoutFrom(addr crypto.Address, payout staking.Payout) payoutResponse {
	return payoutResponse{
		Address:   addr.String(),
		Principal: amountString(payout.Principal),
		Reward:    amountString(payout.Reward),
		Shortfall: amountString(payout.Shortfall),
		Total:     amountString(payout.Total()),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidAddress),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidAddress),
		errors.Is(err, bank.ErrAmountOverflow):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden),
		errors.Is(err, staking.ErrUnauthorized),
		errors.Is(err, bank.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, staking.ErrInsufficientPool),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrInsufficientAllowance):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, staking.ErrNotInitialised),
		errors.Is(err, bank.ErrTokenNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response", slog.Any("error", err))
	}
}
