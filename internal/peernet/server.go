package peernet

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/osd"
	"github.com/stripestore/osd/internal/striping"
)

// Engine is the part of the executor the peer API dispatches to.
type Engine interface {
	Truncate(ctx context.Context, req osd.TruncateRequest) (*osd.TruncateResponse, error)
	DeleteObjects(ctx context.Context, req osd.DeleteRequest) error
	InternalFetchGmax(ctx context.Context, fileID string, locs striping.Locations) (osd.Gmax, error)
}

// Server serves the peer HTTP API.
type Server struct {
	nodeID string
	engine Engine
	router chi.Router
	logger zerolog.Logger
}

// NewServer builds the router for the peer API.
func NewServer(nodeID string, engine Engine, logger zerolog.Logger) *Server {
	s := &Server{
		nodeID: nodeID,
		engine: engine,
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "peer-server").Logger(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/livez", s.handleLivez)
	s.router.Post("/v1/gmax/{fileId}", s.handleFetchGmax)
	s.router.Post("/v1/truncate", s.handleTruncate)
	s.router.Post("/v1/delete", s.handleDelete)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleFetchGmax(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	var p FetchGmaxPayload
	msg, ok := s.readRequest(w, r, MessageTypeFetchGmax, &p)
	if !ok {
		return
	}
	g, err := s.engine.InternalFetchGmax(r.Context(), fileID, p.Locations)
	s.reply(w, r, msg, g, err)
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	var req osd.TruncateRequest
	msg, ok := s.readRequest(w, r, MessageTypeTruncate, &req)
	if !ok {
		return
	}
	// Requests arriving here were disseminated by the head.
	req.Internal = true
	resp, err := s.engine.Truncate(r.Context(), req)
	s.reply(w, r, msg, resp, err)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req osd.DeleteRequest
	msg, ok := s.readRequest(w, r, MessageTypeDelete, &req)
	if !ok {
		return
	}
	req.Internal = true
	err := s.engine.DeleteObjects(r.Context(), req)
	s.reply(w, r, msg, nil, err)
}

func (s *Server) readRequest(w http.ResponseWriter, r *http.Request, typ MessageType, into any) (*Message, bool) {
	msg, err := readMessage(r.Body, r.Header.Get("Content-Encoding"))
	if err == nil {
		err = msg.decode(typ, into)
	}
	if err != nil {
		id := ""
		if msg != nil {
			id = msg.ID
		}
		s.logger.Warn().Err(err).Str("type", string(typ)).Msg("rejecting malformed peer request")
		s.fail(w, r, id, http.StatusBadRequest, ErrorPayload{Code: codeInvalid, Message: err.Error()})
		return nil, false
	}
	s.logger.Debug().
		Str("from", msg.From).
		Str("type", string(typ)).
		Str("id", msg.ID).
		Msg("handling peer request")
	return msg, true
}

// reply answers req. Replies to zstd requests are compressed as well.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, req *Message, result any, err error) {
	if err != nil {
		p, status := errorPayload(err)
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("type", string(req.Type)).Str("from", req.From).Msg("peer request failed")
		}
		s.fail(w, r, req.ID, status, p)
		return
	}
	msg, err := newMessage(MessageTypeAck, req.ID, s.nodeID, result)
	if err != nil {
		s.fail(w, r, req.ID, http.StatusInternalServerError, ErrorPayload{Code: codeInternal, Message: err.Error()})
		return
	}
	writeMessage(w, http.StatusOK, msg, wantsZstd(r))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, id string, status int, p ErrorPayload) {
	msg, err := newMessage(MessageTypeError, id, s.nodeID, p)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
		return
	}
	writeMessage(w, status, msg, wantsZstd(r))
}

func wantsZstd(r *http.Request) bool {
	return r.Header.Get("Content-Encoding") == encodingZstd
}
