package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/node"
	"github.com/ringfs/ringfs/transport"
	"github.com/ringfs/ringfs/types"
)

const drainTimeout = 5 * time.Second

// Server is the boundary adapter: it translates the external HTTP
// surface, both the client-facing /files routes and the inter-node
// /chord routes, into Service calls, and is the only layer that
// formats errors for the wire.
type Server struct {
	svc  *node.Service
	log  zerolog.Logger
	http *http.Server
}

func NewServer(svc *node.Service, log zerolog.Logger) *Server {
	return &Server{
		svc: svc,
		log: log.With().Str("component", "server").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chord/successor", s.handleFindSuccessor)
	mux.HandleFunc("GET /chord/predecessor", s.handleGetPredecessor)
	mux.HandleFunc("POST /chord/join", s.handleJoin)
	mux.HandleFunc("POST /chord/notify", s.handleNotify)
	mux.HandleFunc("POST /chord/keepalive", s.handleKeepAlive)
	mux.HandleFunc("GET /chord/info", s.handleInfo)

	mux.HandleFunc("POST /files", s.handleUpload)
	mux.HandleFunc("GET /files", s.handleList)
	mux.HandleFunc("GET /files/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /files/{name}", s.handleDelete)
	mux.HandleFunc("POST /files/forward", s.handleForward)
	mux.HandleFunc("POST /files/transfer", s.handleTransfer)

	return mux
}

// Start serves on lis until Stop is called. Blocks.
func (s *Server) Start(lis net.Listener) error {
	s.http = &http.Server{Handler: s.Handler()}
	s.log.Info().Str("addr", lis.Addr().String()).Msg("http server listening")
	err := s.http.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the error kinds of the core onto wire status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, transport.ErrorResponse{Error: "File not found."})
	case errors.Is(err, types.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: err.Error()})
	case types.IsTransport(err):
		s.log.Warn().Err(err).Msg("routing failed")
		writeJSON(w, http.StatusBadGateway, transport.ErrorResponse{Error: err.Error()})
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, transport.ErrorResponse{Error: "internal error"})
	}
}

// sanitizeFilename rejects empty names and anything that could walk
// out of the flat storage directory.
func sanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", xerrors.Errorf("empty filename: %w", types.ErrInvalidArgument)
	}
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) || name == "." || name == ".." {
		return "", xerrors.Errorf("invalid filename %q: %w", name, types.ErrInvalidArgument)
	}
	return name, nil
}

func (s *Server) handleFindSuccessor(w http.ResponseWriter, r *http.Request) {
	var req transport.FindSuccessorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "malformed body"})
		return
	}
	hop := s.svc.NextHop(req.ID)
	writeJSON(w, http.StatusOK, transport.SuccessorResponse{
		SuccessorID:   hop.ID,
		SuccessorAddr: hop.Addr,
	})
}

func (s *Server) handleGetPredecessor(w http.ResponseWriter, r *http.Request) {
	var resp transport.PredecessorResponse
	if pred, ok := s.svc.Predecessor(); ok {
		resp.PredecessorID = &pred.ID
		resp.PredecessorAddr = &pred.Addr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req transport.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "malformed body"})
		return
	}
	succ, err := s.svc.HandleJoin(r.Context(), types.Peer{ID: req.ID, Addr: req.Address})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transport.SuccessorResponse{
		SuccessorID:   succ.ID,
		SuccessorAddr: succ.Addr,
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req transport.NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PredecessorAddr == "" {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "malformed body"})
		return
	}
	s.svc.HandleNotify(types.Peer{ID: req.PredecessorID, Addr: req.PredecessorAddr})
	writeJSON(w, http.StatusOK, transport.AckResponse{Message: "ACK"})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, transport.AckResponse{Message: "alive"})
}

type infoResponse struct {
	ID              uint64   `json:"id"`
	Address         string   `json:"address"`
	SuccessorID     uint64   `json:"successor_id"`
	SuccessorAddr   string   `json:"successor_addr"`
	PredecessorID   *uint64  `json:"predecessor_id"`
	PredecessorAddr *string  `json:"predecessor_addr"`
	FingerTable     []uint64 `json:"finger_table"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := s.svc.Info()
	writeJSON(w, http.StatusOK, infoResponse{
		ID:              info.ID,
		Address:         info.Address,
		SuccessorID:     info.SuccessorID,
		SuccessorAddr:   info.SuccessorAddr,
		PredecessorID:   info.PredecessorID,
		PredecessorAddr: info.PredecessorAddr,
		FingerTable:     info.FingerIDs,
	})
}

// readUpload extracts and sanitizes the multipart file part.
func readUpload(r *http.Request) (string, []byte, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, xerrors.Errorf("missing file part: %w", types.ErrInvalidArgument)
	}
	defer file.Close()

	// header.Filename is already reduced to its base name by the
	// multipart reader; check the name exactly as the client sent it.
	raw := header.Filename
	if _, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		raw = params["filename"]
	}
	name, err := sanitizeFilename(raw)
	if err != nil {
		return "", nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, err
	}
	return name, data, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name, data, err := readUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.Save(r.Context(), name, data); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transport.AckResponse{Message: "File uploaded successfully."})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := s.svc.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, struct {
		Files []string `json:"files"`
	}{Files: names})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, err := sanitizeFilename(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := s.svc.Get(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, err := sanitizeFilename(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	removed, err := s.svc.Delete(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, transport.ErrorResponse{Error: "File not found."})
		return
	}
	writeJSON(w, http.StatusOK, transport.AckResponse{Message: "File deleted successfully."})
}

// handleForward stores the blob directly: the sending peer already
// resolved us as the owner, responsibility is not re-checked.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	name, data, err := readUpload(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.SaveLocal(name, data); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transport.AckResponse{Message: "File stored successfully."})
}

// handleTransfer serves an outbound migration: collect the files in
// (lo, hi], send them, and delete them once the response is written.
// The transfer is a move.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transport.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, transport.ErrorResponse{Error: "malformed body"})
		return
	}
	files, err := s.svc.FilesInRange(req.Lo, req.Hi)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := transport.TransferResponse{Files: make([]transport.TransferFile, len(files))}
	names := make([]string, len(files))
	for i, f := range files {
		resp.Files[i] = transport.TransferFile{Filename: f.Name, Content: f.Data}
		names[i] = f.Name
	}
	writeJSON(w, http.StatusOK, resp)

	s.svc.EvictFiles(names)
}
