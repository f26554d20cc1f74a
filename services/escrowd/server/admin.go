package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"assetescrow/native/escrow"
)

// Owner-only setters. Authorization is enforced by the engine against the
// stored owner; the handlers only translate the request.

func (s *Server) handleSetPaymentWindow(w http.ResponseWriter, r *http.Request) {
	var req PaymentWindowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.engine.SetPaymentWindow(ctx, caller(r), req.Window); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"paymentWindow": req.Window})
}

func (s *Server) handleSetRegistrationRequired(w http.ResponseWriter, r *http.Request) {
	var req RegistrationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.engine.SetRegistrationRequired(ctx, caller(r), req.Required); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registrationRequired": req.Required})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req AddressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	next, err := parseAddress("address", req.Address)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	ctx, cancel := s.callCtx(r)
	defer cancel()
	if err := s.engine.TransferOwnership(ctx, caller(r), next); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": next.Hex()})
}

func (s *Server) handleSetDefault(role escrow.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddressRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		addr, err := parseAddress("address", req.Address)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		ctx, cancel := s.callCtx(r)
		defer cancel()
		if role == escrow.RoleOperator {
			err = s.engine.SetDefaultOperator(ctx, caller(r), addr)
		} else {
			err = s.engine.SetDefaultFeesCollector(ctx, caller(r), addr)
		}
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"role": role.String(), "address": addr.Hex()})
	}
}

func (s *Server) handleSetUniverse(role escrow.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		universe, err := parseInt("universe", chi.URLParam(r, "universe"))
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		var req AddressRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		addr, err := parseAddress("address", req.Address)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		ctx, cancel := s.callCtx(r)
		defer cancel()
		if role == escrow.RoleOperator {
			err = s.engine.SetUniverseOperator(ctx, caller(r), universe, addr)
		} else {
			err = s.engine.SetUniverseFeesCollector(ctx, caller(r), universe, addr)
		}
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"role": role.String(), "universeId": universe.String(), "address": addr.Hex()})
	}
}

func (s *Server) handleRemoveUniverse(role escrow.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		universe, err := parseInt("universe", chi.URLParam(r, "universe"))
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		ctx, cancel := s.callCtx(r)
		defer cancel()
		if role == escrow.RoleOperator {
			err = s.engine.RemoveUniverseOperator(ctx, caller(r), universe)
		} else {
			err = s.engine.RemoveUniverseFeesCollector(ctx, caller(r), universe)
		}
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
