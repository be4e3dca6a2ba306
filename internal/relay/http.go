package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pollmesh/pollmesh/internal/protocol"
)

// maxRequestBodyBytes bounds a signaling POST. Signal payloads are SDP blobs
// and ICE candidates; anything near this limit is abuse.
const maxRequestBodyBytes = 256 * 1024

// Server is the HTTP face of the Service.
type Server struct {
	svc *Service
}

func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/signaling", s.handlePost)
	mux.HandleFunc("GET /api/signaling", s.handleGet)
}

// Handler provides minimal routing for tests and simple deployments.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	req, err := protocol.ParseRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx := r.Context()
	switch req.Type {
	case protocol.RequestJoin:
		peers, err := s.svc.Join(ctx, req.RoomID, req.UserID, req.Data.UserName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.JoinResponse{Participants: peers})

	case protocol.RequestHeartbeat:
		res, err := s.svc.Heartbeat(ctx, req.RoomID, req.UserID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if res.Kicked {
			writeJSON(w, http.StatusOK, protocol.KickedResponse{Kicked: true})
			return
		}
		writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{
			Signals:      res.Signals,
			Participants: res.Participants,
		})

	case protocol.RequestSignal:
		if err := s.svc.Signal(ctx, req.RoomID, req.UserID, req.TargetID, req.Data.Signal); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.AckResponse{Success: true})

	case protocol.RequestKickAll:
		if err := s.svc.KickAll(ctx, req.RoomID, req.UserID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.AckResponse{Success: true})

	case protocol.RequestLeave:
		if err := s.svc.Leave(ctx, req.RoomID, req.UserID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, protocol.AckResponse{Success: true})

	default:
		// Unreachable: ParseRequest validates the type.
		writeJSONError(w, http.StatusBadRequest, "bad_request", "unsupported type")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	participants, err := s.svc.ListParticipants(r.Context(), roomID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ParticipantsResponse{Participants: participants})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	default:
		// Store faults are transient; the client's next poll is the retry.
		slog.Error("signaling request failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
