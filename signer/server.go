package signer

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/elnosh/paynode/paynet"
	"github.com/gorilla/mux"
)

// Server exposes a LocalSigner over HTTP for nodes that keep the
// master key in a separate process.
type Server struct {
	httpServer *http.Server
	signer     *LocalSigner
	logger     *slog.Logger
}

func NewServer(signer *LocalSigner, addr string, logger *slog.Logger) *Server {
	server := &Server{signer: signer, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/v1/declare", server.handleDeclare).Methods(http.MethodPost)
	r.HandleFunc("/v1/sign", server.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/v1/verify", server.handleVerify).Methods(http.MethodPost)

	server.httpServer = &http.Server{Addr: addr, Handler: r}
	return server
}

func (s *Server) Start() error {
	s.logger.Info("signer listening on: " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) handleDeclare(rw http.ResponseWriter, req *http.Request) {
	var declareReq declareRequest
	if err := json.NewDecoder(req.Body).Decode(&declareReq); err != nil {
		writeSignerErr(rw, http.StatusBadRequest, paynet.EmptyBodyErr)
		return
	}

	keyset, err := s.signer.DeclareKeyset(req.Context(), declareReq.Unit, declareReq.Index, declareReq.MaxOrder)
	if err != nil {
		s.logger.Error("error declaring keyset", slog.String("err", err.Error()))
		writeSignerErr(rw, http.StatusBadRequest, paynet.Error{Detail: err.Error(), Code: paynet.StandardErrCode})
		return
	}
	writeJSON(rw, keyset)
}

func (s *Server) handleSign(rw http.ResponseWriter, req *http.Request) {
	var signReq signRequest
	if err := json.NewDecoder(req.Body).Decode(&signReq); err != nil {
		writeSignerErr(rw, http.StatusBadRequest, paynet.EmptyBodyErr)
		return
	}

	signatures, err := s.signer.SignBlindedMessages(req.Context(), signReq.Messages)
	if err != nil {
		s.logger.Error("error signing blinded messages", slog.String("err", err.Error()))
		writeSignerErr(rw, http.StatusBadRequest, paynet.Error{Detail: err.Error(), Code: paynet.StandardErrCode})
		return
	}
	writeJSON(rw, signResponse{Signatures: signatures})
}

func (s *Server) handleVerify(rw http.ResponseWriter, req *http.Request) {
	var verifyReq verifyRequest
	if err := json.NewDecoder(req.Body).Decode(&verifyReq); err != nil {
		writeSignerErr(rw, http.StatusBadRequest, paynet.EmptyBodyErr)
		return
	}

	valid, err := s.signer.VerifyProofs(req.Context(), verifyReq.Proofs)
	if err != nil {
		writeSignerErr(rw, http.StatusBadRequest, paynet.Error{Detail: err.Error(), Code: paynet.StandardErrCode})
		return
	}
	writeJSON(rw, verifyResponse{Valid: valid})
}

func writeJSON(rw http.ResponseWriter, body any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(body)
}

func writeSignerErr(rw http.ResponseWriter, status int, err paynet.Error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(err)
}
