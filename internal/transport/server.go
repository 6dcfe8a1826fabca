package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/wire"
)

// MaxBodySize bounds inbound request bodies.
const MaxBodySize = 4 << 20

// Server is the HTTP front of a Receiver.
type Server struct {
	nodes  *remote.Registry
	recv   Receiver
	logger *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default is slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server that authenticates senders against nodes and
// hands accepted requests to recv.
func NewServer(nodes *remote.Registry, recv Receiver, opts ...ServerOption) *Server {
	s := &Server{nodes: nodes, recv: recv, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the federation endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathEvent, s.handleEvent(s.recv.Receive))
	mux.HandleFunc("POST "+PathForward, s.handleEvent(s.recv.ReceiveForward))
	mux.HandleFunc("POST "+PathResult, s.handleResult)
	return mux
}

// Mount registers the federation endpoints on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("/federation/", s.Handler())
}

type receiveFunc func(ctx context.Context, ev event.FederatedEvent) (Reply, error)

func (s *Server) handleEvent(receive receiveFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender, body, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		ev, err := event.Import(body)
		if err != nil {
			s.fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		if ev.Source != sender.ID {
			s.fail(w, http.StatusBadRequest, CodeBadRequest, "envelope source does not match sender")
			return
		}
		if r.Header.Get(HeaderSignature) == "" && ev.Severity == event.SeverityHigh {
			s.fail(w, http.StatusUnauthorized, CodeSignatureRequired, "high severity events must be signed")
			return
		}

		reply, err := receive(r.Context(), ev)
		if err != nil {
			s.logger.Error("receive failed",
				"node", sender.ID,
				"kind", ev.Kind,
				"token", ev.Token,
				"error", err,
			)
			s.fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
			return
		}
		status := http.StatusOK
		if reply.Accepted {
			status = http.StatusAccepted
		}
		s.write(w, status, reply)
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sender, body, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if sender.Secret != "" && r.Header.Get(HeaderSignature) == "" {
		s.fail(w, http.StatusUnauthorized, CodeSignatureRequired, "results must be signed")
		return
	}
	var report ResultReport
	if err := json.Unmarshal(body, &report); err != nil {
		s.fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if report.Node != sender.ID || report.Token == "" {
		s.fail(w, http.StatusBadRequest, CodeBadRequest, "result report does not match sender")
		return
	}
	if err := s.recv.ReceiveResult(r.Context(), report); err != nil {
		s.logger.Error("receive result failed", "node", sender.ID, "token", report.Token, "error", err)
		s.fail(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	s.write(w, http.StatusOK, struct{}{})
}

// authenticate resolves the sender and checks the signature when one is
// present. It writes the error response itself.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (remote.Node, []byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "body too large")
			return remote.Node{}, nil, false
		}
		s.fail(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return remote.Node{}, nil, false
	}

	id := r.Header.Get(HeaderNode)
	node, ok := s.nodes.Get(id)
	if id == "" || !ok || id == s.nodes.LocalID() {
		s.fail(w, http.StatusForbidden, CodeUnknownNode, "unknown node "+id)
		return remote.Node{}, nil, false
	}
	if node.Trust == remote.TrustUntrusted {
		s.fail(w, http.StatusForbidden, CodeUntrusted, "node "+id+" is not trusted")
		return remote.Node{}, nil, false
	}
	if sig := r.Header.Get(HeaderSignature); sig != "" {
		if node.Secret == "" || !wire.VerifySignature(node.Secret, body, sig) {
			s.fail(w, http.StatusUnauthorized, CodeBadSignature, "signature does not match")
			return remote.Node{}, nil, false
		}
	}
	return node, body, true
}

func (s *Server) fail(w http.ResponseWriter, status int, code, msg string) {
	s.write(w, status, errorBody{Code: code, Error: msg})
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}
