package mint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/elnosh/paynode/mint/storage"
	"github.com/elnosh/paynode/paynet"
	"github.com/gorilla/mux"
)

const Version = "0.2.0"

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

func SetupMintServer(mint *Mint, addr string, logger *slog.Logger) *MintServer {
	mintServer := &MintServer{mint: mint, logger: logger}
	mintServer.setupHttpServer(addr)
	return mintServer
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	return ms.httpServer.ListenAndServe()
}

func (ms *MintServer) setupHttpServer(addr string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keysets", ms.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", ms.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/mintquote", ms.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mintquote/{id}", ms.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint", ms.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/meltquote", ms.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/meltquote/{id}", ms.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt", ms.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", ms.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/info", ms.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/rotate", ms.handleRotate).Methods(http.MethodPost)

	ms.httpServer = &http.Server{Addr: addr, Handler: r}
}

func (ms *MintServer) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets := ms.mint.Keysets()

	res := paynet.GetKeysetsResponse{Keysets: make([]paynet.KeysetInfo, len(keysets))}
	for i, keyset := range keysets {
		res.Keysets[i] = paynet.KeysetInfo{
			Id:          keyset.Id,
			Unit:        keyset.Unit.String(),
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	sort.Slice(res.Keysets, func(i, j int) bool { return res.Keysets[i].Id < res.Keysets[j].Id })

	ms.writeResponse(rw, req, res)
}

func (ms *MintServer) handleKeys(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	var keysets []*KeysetInfo
	if id, ok := vars["id"]; ok {
		keyset, err := ms.mint.Keyset(id)
		if err != nil {
			ms.writeErr(rw, req, err)
			return
		}
		keysets = []*KeysetInfo{keyset}
	} else {
		for _, keyset := range ms.mint.Keysets() {
			if keyset.Active {
				keysets = append(keysets, keyset)
			}
		}
	}

	res := paynet.GetKeysResponse{Keysets: make([]paynet.Keyset, len(keysets))}
	for i, keyset := range keysets {
		keys := make(map[uint64]string, len(keyset.Keys))
		for amount, pubkey := range keyset.Keys {
			keys[amount] = hex.EncodeToString(pubkey.SerializeCompressed())
		}
		res.Keysets[i] = paynet.Keyset{Id: keyset.Id, Unit: keyset.Unit.String(), Keys: keys}
	}

	ms.writeResponse(rw, req, res)
}

func (ms *MintServer) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteReq paynet.MintQuoteRequest
	if err := json.NewDecoder(req.Body).Decode(&quoteReq); err != nil {
		ms.writeErr(rw, req, paynet.EmptyBodyErr)
		return
	}

	quote, err := ms.mint.RequestMintQuote(quoteReq.Unit, quoteReq.Amount)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, paynet.MintQuoteResponse{
		Quote:   quote.Id,
		Request: quote.Request,
		State:   quote.State.String(),
		Expiry:  quote.Expiry,
	})
}

func (ms *MintServer) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	quote, err := ms.mint.GetMintQuoteState(mux.Vars(req)["id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, paynet.MintQuoteResponse{
		Quote:   quote.Id,
		Request: quote.Request,
		State:   quote.State.String(),
		Expiry:  quote.Expiry,
	})
}

func (ms *MintServer) handleMint(rw http.ResponseWriter, req *http.Request) {
	var mintReq paynet.MintRequest
	if err := json.NewDecoder(req.Body).Decode(&mintReq); err != nil {
		ms.writeErr(rw, req, paynet.EmptyBodyErr)
		return
	}

	signatures, err := ms.mint.MintTokens(req.Context(), mintReq.Quote, mintReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, paynet.MintResponse{Signatures: signatures})
}

func (ms *MintServer) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteReq paynet.MeltQuoteRequest
	if err := json.NewDecoder(req.Body).Decode(&quoteReq); err != nil {
		ms.writeErr(rw, req, paynet.EmptyBodyErr)
		return
	}

	quote, err := ms.mint.RequestMeltQuote(req.Context(), quoteReq.Unit, quoteReq.Request)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, meltQuoteResponse(quote))
}

func (ms *MintServer) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	quote, err := ms.mint.GetMeltQuoteState(mux.Vars(req)["id"])
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeResponse(rw, req, meltQuoteResponse(quote))
}

func (ms *MintServer) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var meltReq paynet.MeltRequest
	if err := json.NewDecoder(req.Body).Decode(&meltReq); err != nil {
		ms.writeErr(rw, req, paynet.EmptyBodyErr)
		return
	}

	quote, err := ms.mint.MeltTokens(req.Context(), meltReq.Quote, meltReq.Inputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, meltQuoteResponse(quote))
}

func (ms *MintServer) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var swapReq paynet.SwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapReq); err != nil {
		ms.writeErr(rw, req, paynet.EmptyBodyErr)
		return
	}

	signatures, err := ms.mint.Swap(req.Context(), swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, paynet.SwapResponse{Signatures: signatures})
}

func (ms *MintServer) handleInfo(rw http.ResponseWriter, req *http.Request) {
	units := make([]string, 0, len(ms.mint.backends))
	for unit := range ms.mint.backends {
		units = append(units, unit.String())
	}
	sort.Strings(units)

	ms.writeResponse(rw, req, paynet.InfoResponse{
		Name:    "paynode",
		Version: Version,
		Units:   units,
		Methods: []string{"mint", "melt", "swap"},
	})
}

func (ms *MintServer) handleRotate(rw http.ResponseWriter, req *http.Request) {
	if err := ms.mint.RotateKeysets(req.Context()); err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.handleKeysets(rw, req)
}

func meltQuoteResponse(quote storage.MeltQuote) paynet.MeltQuoteResponse {
	return paynet.MeltQuoteResponse{
		Quote:  quote.Id,
		Amount: quote.Amount,
		Fee:    quote.Fee,
		State:  quote.State.String(),
		Expiry: quote.Expiry,
		TxHash: quote.TxHash,
	}
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, paynet.StandardErr)
		return
	}

	ms.logger.Info("returning response", slog.String("path", req.URL.Path))
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(body)
}

func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusBadRequest

	var protocolErr paynet.Error
	if !errors.As(err, &protocolErr) {
		var protocolErrPtr *paynet.Error
		if errors.As(err, &protocolErrPtr) {
			protocolErr = *protocolErrPtr
		} else {
			ms.logger.Error(fmt.Sprintf("internal error on %s: %v", req.URL.Path, err))
			protocolErr = paynet.StandardErr
			status = http.StatusInternalServerError
		}
	}

	switch protocolErr.Code {
	case paynet.SignerUnavailableErrCode, paynet.DBContentionErrCode, paynet.CashierUnavailableErrCode:
		status = http.StatusServiceUnavailable
	}

	ms.logger.Warn("request error", slog.String("path", req.URL.Path),
		slog.String("detail", protocolErr.Detail), slog.Int("code", int(protocolErr.Code)))

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(protocolErr)
}
