package server

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"assetescrow/native/escrow"
	"assetescrow/native/fees"
	"assetescrow/observability/auditlog"
)

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	s.initiate(w, r, false)
}

func (s *Server) handleRelayedPay(w http.ResponseWriter, r *http.Request) {
	s.initiate(w, r, true)
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request, relayed bool) {
	var req PayRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	intent, err := req.Intent.intent()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var payment *escrow.Payment
	if relayed {
		payment, err = s.engine.RelayedPay(ctx, caller(r), intent, sig)
	} else {
		payment, err = s.engine.Pay(ctx, caller(r), intent, sig)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(payment))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var req FinalizeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	outcome := escrow.TransferOutcome{PaymentID: id, WasSuccessful: req.WasSuccessful}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var (
		payment   *escrow.Payment
		withdrawn *big.Int
	)
	if req.Withdraw {
		payment, withdrawn, err = s.engine.FinalizeAndWithdraw(ctx, caller(r), outcome, sig)
	} else {
		payment, err = s.engine.Finalize(ctx, outcome, sig)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := newPaymentResponse(payment)
	if withdrawn != nil {
		resp.Withdrawn = withdrawn.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	var (
		payment   *escrow.Payment
		withdrawn *big.Int
	)
	if req.Withdraw {
		payment, withdrawn, err = s.engine.RefundAndWithdraw(ctx, caller(r), id)
	} else {
		payment, err = s.engine.Refund(ctx, id)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := newPaymentResponse(payment)
	if withdrawn != nil {
		resp.Withdrawn = withdrawn.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	who := caller(r)
	if req.Amount == "" {
		amount, err := s.engine.Withdraw(ctx, who)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"account": who.Hex(), "amount": amount.String()})
		return
	}
	amount, err := parseInt("amount", req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.engine.WithdrawAmount(ctx, who, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": who.Hex(), "amount": amount.String()})
}

func (s *Server) handleRegisterSeller(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.callCtx(r)
	defer cancel()
	who := caller(r)
	if err := s.engine.RegisterSeller(ctx, who); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"seller": who.Hex(), "registered": true})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	payment, ok, err := s.engine.Payment(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, PaymentResponse{PaymentID: id.Hex(), State: escrow.PaymentNotStarted.String()})
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(payment))
}

func (s *Server) handlePaymentState(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	state, err := s.engine.PaymentState(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paymentId": id.Hex(), "state": state.String()})
}

func (s *Server) handleAcceptsRefunds(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash("id", chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	accepts, err := s.engine.AcceptsRefunds(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paymentId": id.Hex(), "acceptsRefunds": accepts})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	local, err := s.engine.LocalBalance(ctx, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	external, err := s.engine.ExternalBalance(ctx, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	allowance, err := s.engine.ExternalAllowance(ctx, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	maxFunds, err := s.engine.MaxFundsAvailable(ctx, addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{
		Account:           addr.Hex(),
		Local:             local.String(),
		External:          external.String(),
		Allowance:         allowance.String(),
		MaxFundsAvailable: maxFunds.String(),
	})
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	amount, err := parseInt("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	external, local, err := s.engine.SplitFundingSources(ctx, addr, amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	enough, err := s.engine.EnoughFundsAvailable(ctx, addr, amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FundingResponse{
		Account:  addr.Hex(),
		Amount:   amount.String(),
		External: external.String(),
		Local:    local.String(),
		Enough:   enough,
	})
}

func (s *Server) handleSellerStatus(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	registered, err := s.engine.IsRegisteredSeller(r.Context(), addr)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seller": addr.Hex(), "registered": registered})
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	universe, err := parseInt("universe", chi.URLParam(r, "universe"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	operator, err := s.engine.UniverseOperator(r.Context(), universe)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	collector, err := s.engine.UniverseFeesCollector(r.Context(), universe)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UniverseResponse{
		UniverseID:    universe.String(),
		Operator:      operator.Hex(),
		FeesCollector: collector.Hex(),
	})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := s.engine.Params(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	operator, err := s.engine.DefaultOperator(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	collector, err := s.engine.DefaultFeesCollector(ctx)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ParamsResponse{
		Instance:             s.engine.Instance().Hex(),
		Currency:             s.engine.CurrencyDescriptor(),
		Owner:                params.Owner.Hex(),
		PaymentWindow:        params.PaymentWindow,
		RegistrationRequired: params.RegistrationRequired,
		DefaultOperator:      operator.Hex(),
		DefaultFeesCollector: collector.Hex(),
	})
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	amount, err := parseInt("amount", query.Get("amount"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	bps, err := strconv.ParseUint(query.Get("feeBps"), 10, 64)
	if err != nil {
		s.writeEngineError(w, r, badRequest("feeBps: %v", err))
		return
	}
	if !fees.ValidBps(bps) {
		s.writeEngineError(w, r, escrow.ErrFeeOutOfRange)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amount": amount.String(),
		"feeBps": bps,
		"fee":    s.engine.ComputeFee(amount, bps).String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, errAuditDisabled)
		return
	}
	query := r.URL.Query()
	filter := auditlog.Filter{Type: query.Get("type"), PaymentID: query.Get("paymentId")}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeEngineError(w, r, badRequest("after: %v", err))
			return
		}
		filter.AfterSequence = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeEngineError(w, r, badRequest("limit: %v", err))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}
