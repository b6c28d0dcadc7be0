package api

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi"

	"raffleBridge/internal/bridge"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/ledger"
	"raffleBridge/internal/network"
	"raffleBridge/internal/signer"
)

type networkView struct {
	ID              uint64         `json:"id"`
	Name            string         `json:"name"`
	RoutingSelector string         `json:"routingSelector"`
	Lottery         common.Address `json:"lottery"`
	Token           common.Address `json:"token"`
	Bridge          common.Address `json:"bridge"`
	TokenDecimals   uint8          `json:"tokenDecimals"`
	Explorer        string         `json:"explorer,omitempty"`
	Abstracted      bool           `json:"abstracted"`
}

func (s *Server) networks(w http.ResponseWriter, r *http.Request) {
	all := s.env.Registry.All()
	out := make([]networkView, 0, len(all))
	for _, cfg := range all {
		out = append(out, networkView{
			ID:              cfg.ID,
			Name:            cfg.Name,
			RoutingSelector: strconv.FormatUint(cfg.RoutingSelector, 10),
			Lottery:         cfg.LotteryContract,
			Token:           cfg.TokenContract,
			Bridge:          cfg.BridgeContract,
			TokenDecimals:   cfg.TokenDecimals,
			Explorer:        cfg.BlockExplorerBase,
			Abstracted:      cfg.BundlerEndpoint != "",
		})
	}
	responseJSON(w, out, http.StatusOK)
}

func (s *Server) lookup(w http.ResponseWriter, field, input string) (network.Config, bool) {
	if strings.TrimSpace(input) == "" {
		badRequest(w, field, "network is required")
		return network.Config{}, false
	}
	cfg, err := s.env.Registry.Lookup(input)
	if err != nil {
		s.responseError(w, "resolve network", err)
		return network.Config{}, false
	}
	return cfg, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "", "Error reading request body")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		badRequest(w, "", "Cannot unmarshal input JSON")
		return false
	}
	return true
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.lookup(w, "network", chi.URLParam(r, "network"))
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if !force {
		if snap, ok := s.env.Refresher.Snapshot(cfg.ID); ok {
			responseJSON(w, snap, http.StatusOK)
			return
		}
	}
	snap, err := s.env.Reader.Snapshot(r.Context(), cfg.ID, force)
	if err != nil {
		s.responseError(w, "snapshot", err)
		return
	}
	responseJSON(w, snap, http.StatusOK)
}

type refreshRequest struct {
	Network string `json:"network"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, ok := s.lookup(w, "network", req.Network)
	if !ok {
		return
	}
	published, err := s.env.Refresher.Refresh(r.Context(), cfg.ID, true)
	if err != nil {
		s.responseError(w, "refresh", err)
		return
	}
	responseJSON(w, map[string]interface{}{"network": cfg.ID, "refreshed": published}, http.StatusOK)
}

func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.lookup(w, "network", chi.URLParam(r, "network"))
	if !ok {
		return
	}
	input := chi.URLParam(r, "address")
	if !common.IsHexAddress(input) || ethav.Validate(common.HexToAddress(input).Hex()) != nil {
		badRequest(w, "address", "No ethereum address or invalid address provided")
		return
	}
	account := common.HexToAddress(input)
	out := map[string]interface{}{"network": cfg.ID, "address": account}
	if native, err := s.env.Reader.NativeBalance(r.Context(), cfg.ID, account, false); err == nil {
		out["native"] = native
	}
	if token, err := s.env.Reader.TokenBalance(r.Context(), cfg.ID, account, false); err == nil {
		out["token"] = token
	}
	responseJSON(w, out, http.StatusOK)
}

type route struct {
	source network.Config
	dest   network.Config
	amount *big.Int
}

func (s *Server) parseRoute(w http.ResponseWriter, source, dest, amount string) (route, bool) {
	src, ok := s.lookup(w, "source", source)
	if !ok {
		return route{}, false
	}
	dst, ok := s.lookup(w, "destination", dest)
	if !ok {
		return route{}, false
	}
	value, err := bridge.ParseAmount(amount, src.TokenDecimals)
	if err != nil {
		badRequest(w, "amount", err.Error())
		return route{}, false
	}
	return route{source: src, dest: dst, amount: value}, true
}

func (s *Server) fee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rt, ok := s.parseRoute(w, q.Get("source"), q.Get("destination"), q.Get("amount"))
	if !ok {
		return
	}
	quote, err := s.env.Bridge.EstimateFee(r.Context(), rt.source.ID, rt.dest.ID, rt.amount)
	if err != nil {
		s.responseError(w, "estimate fee", err)
		return
	}
	responseJSON(w, map[string]interface{}{
		"source":      rt.source.ID,
		"destination": rt.dest.ID,
		"amount":      rt.amount,
		"quote":       quote,
	}, http.StatusOK)
}

type transferRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rt, ok := s.parseRoute(w, req.Source, req.Destination, req.Amount)
	if !ok {
		return
	}
	t, err := s.env.Bridge.Transfer(r.Context(), rt.source.ID, rt.dest.ID, rt.amount)
	if err != nil {
		if t.ID != "" {
			responseJSON(w, map[string]interface{}{"transfer": t, "error": err.Error()}, statusFor(failure.KindOf(err), err))
			return
		}
		s.responseError(w, "bridge transfer", err)
		return
	}
	code := http.StatusOK
	if t.Status == ledger.StatusPending {
		code = http.StatusAccepted
	}
	responseJSON(w, t, code)
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(r.URL.Query().Get("status"))
	var out []ledger.BridgeTransfer
	if status == ledger.StatusPending {
		out = s.env.Ledger.Pending()
	} else {
		for _, t := range s.env.Ledger.List() {
			if status == "" || t.Status == status {
				out = append(out, t)
			}
		}
	}
	if out == nil {
		out = []ledger.BridgeTransfer{}
	}
	responseJSON(w, out, http.StatusOK)
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	t, ok := s.env.Ledger.Get(chi.URLParam(r, "id"))
	if !ok {
		responseJSON(w, &APIResponse{Status: "error", Message: "transfer not found"}, http.StatusNotFound)
		return
	}
	responseJSON(w, t, http.StatusOK)
}

func (s *Server) operation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.env.Pipeline.Operation(chi.URLParam(r, "ref"))
	if !ok {
		responseJSON(w, &APIResponse{Status: "error", Message: "operation not found"}, http.StatusNotFound)
		return
	}
	responseJSON(w, op, http.StatusOK)
}

type networkRequest struct {
	Network string `json:"network"`
}

func (s *Server) triggerUpkeep(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, ok := s.lookup(w, "network", req.Network)
	if !ok {
		return
	}
	res, err := s.env.Upkeep.Trigger(r.Context(), cfg.ID)
	if err != nil {
		s.responseError(w, "trigger upkeep", err)
		return
	}
	responseJSON(w, res, http.StatusOK)
}

func (s *Server) upkeepEligible(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.lookup(w, "network", r.URL.Query().Get("network"))
	if !ok {
		return
	}
	eligible, err := s.env.Upkeep.CheckEligible(r.Context(), cfg.ID)
	if err != nil {
		s.responseError(w, "check upkeep", err)
		return
	}
	responseJSON(w, map[string]interface{}{"network": cfg.ID, "eligible": eligible}, http.StatusOK)
}

func (s *Server) enter(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, ok := s.lookup(w, "network", req.Network)
	if !ok {
		return
	}
	res, err := s.env.Entries.Enter(r.Context(), cfg.ID)
	if err != nil {
		s.responseError(w, "enter raffle", err)
		return
	}
	s.env.PublishEntry(r.Context(), res)
	responseJSON(w, res, http.StatusOK)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.lookup(w, "network", r.URL.Query().Get("network"))
	if !ok {
		return
	}
	res, err := s.env.Entries.Cancel(r.Context(), cfg.ID)
	if err != nil {
		s.responseError(w, "cancel entry", err)
		return
	}
	s.env.PublishEntry(r.Context(), res)
	responseJSON(w, res, http.StatusOK)
}

func (s *Server) signerInfo(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{"kind": "none", "generation": s.env.Signers.Generation()}
	if active, ok := s.env.Signers.Active(); ok {
		desc, err := signer.Describe(active)
		if err != nil {
			s.responseError(w, "describe signer", err)
			return
		}
		for k, v := range desc {
			out[k] = v
		}
	}
	if info, ok, err := s.env.Signers.SavedSession(r.Context()); err == nil && ok {
		out["savedSession"] = info
	}
	responseJSON(w, out, http.StatusOK)
}
