package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/avacore/internal/config"
	"github.com/howard-nolan/avacore/internal/envelope"
)

// handleHealth is a liveness check. It answers 200 whether or not any
// provider is configured; readiness lives in /api/status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// providerView is one entry of the status "providers" map. It carries no
// credential, only whether one is set.
type providerView struct {
	Available bool   `json:"available"`
	Model     string `json:"model"`
}

type statusResponse struct {
	Providers     map[string]providerView `json:"providers"`
	Identity      config.Identity         `json:"identity"`
	DispatchReady bool                    `json:"dispatch_ready"`
}

// handleStatus reports which providers are usable and the identity block.
//
// Nothing here calls out or changes state, and encoding/json writes map keys
// in sorted order, so two calls in the same process return byte-identical
// bodies.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Providers:     make(map[string]providerView),
		Identity:      s.identity,
		DispatchReady: s.dispatcher.Ready(),
	}
	for _, p := range s.dispatcher.Providers() {
		resp.Providers[p.Name] = providerView{
			Available: p.Available,
			Model:     p.Model,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// chatRequest is the body of POST /api/chat and the data of an ai_request
// socket frame.
type chatRequest struct {
	Message string `json:"message"`
}

// decodeMessage validates a chat payload and returns the trimmed message.
// The error text is safe to hand back to the client as-is.
func decodeMessage(raw []byte) (string, error) {
	var req chatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", errors.New("request body must be a JSON object with a string \"message\"")
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", errors.New("message must not be empty")
	}
	return msg, nil
}

// handleChat handles POST /api/chat. It decodes the message, runs one
// dispatch and returns the envelope with the status code that goes with it.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	// Step 1: Read the body, capped so a client can't make us buffer
	// something huge.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		detail := "could not read request body"
		if errors.As(err, &tooBig) {
			detail = "request body is larger than 1 MiB"
		}
		writeReply(w, envelope.Fail(envelope.KindBadRequest, detail))
		return
	}

	// Step 2: Validate. A bad request never reaches a provider.
	msg, err := decodeMessage(body)
	if err != nil {
		writeReply(w, envelope.Fail(envelope.KindBadRequest, err.Error()))
		return
	}

	// Step 3: Dispatch. r.Context() is cancelled if the client goes away,
	// which abandons the in-flight provider call.
	reply := s.dispatcher.Dispatch(r.Context(), msg)

	if !reply.Success {
		ev := s.log.Info()
		if reply.NeedsOperator() {
			ev = s.log.Warn()
		}
		ev.Str("kind", string(reply.ErrorKind)).
			Str("detail", reply.ErrorDetail).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("chat request failed")
	}

	writeReply(w, reply)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
}

// writeJSON sets the Content-Type header, writes status, then encodes v.
// Headers must be set before the first write, so the order here matters.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeReply writes an envelope with the status code its kind maps to.
func writeReply(w http.ResponseWriter, reply envelope.Reply) {
	writeJSON(w, reply.HTTPStatus(), reply)
}
