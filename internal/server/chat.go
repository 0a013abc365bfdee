package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/progress"
	"github.com/conductorhq/conductor/internal/session"
)

// chatRequest is the client request body for both chat endpoints.
type chatRequest struct {
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	Org         string `json:"org,omitempty"`
	MessageKey  string `json:"message_key,omitempty"`

	ProgressCallbackURL     string `json:"progress_callback_url,omitempty"`
	ProgressMode            string `json:"progress_mode,omitempty"`
	ProgressThrottleSeconds int    `json:"progress_throttle_seconds,omitempty"`
}

// chatResponse is the unary response body.
type chatResponse struct {
	Responses        []string `json:"responses"`
	ResponseLanguage string   `json:"response_language"`
	VoiceAudioBase64 *string  `json:"voice_audio_base64"`
}

func decodeChatRequest(r *http.Request) (*chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.MessageType != "" && req.MessageType != "text" {
		return nil, fmt.Errorf("unsupported message_type %q", req.MessageType)
	}
	return &req, nil
}

// webhookFor builds the optional webhook relay for a request. Returns nil
// when no callback URL was supplied.
func (s *Server) webhookFor(req *chatRequest) *progress.Sender {
	if req.ProgressCallbackURL == "" {
		return nil
	}
	interval := time.Duration(req.ProgressThrottleSeconds) * time.Second
	return progress.NewSender(req.ProgressCallbackURL, progress.ParseMode(req.ProgressMode), interval, s.logger)
}

// handleChat serves the unary chat endpoint: the request blocks until the
// orchestration finishes and the collected responses return as one JSON body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	logger := s.logger.With("request_id", requestID)
	logger.Info("chat request", "client_id", req.ClientID, "user_id", req.UserID, "org", req.Org)

	var callbacks *progress.Callbacks
	sender := s.webhookFor(req)
	if sender != nil {
		callbacks = sender.Callbacks()
		defer sender.Close()
	}

	out, err := s.service.Handle(r.Context(), &session.Input{
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Message:   req.Message,
		Org:       req.Org,
		Callbacks: callbacks,
	})
	if err != nil {
		callbacks.Error(err.Error())
		s.writeChatError(w, err)
		return
	}
	callbacks.Complete(strings.Join(out.Responses, "\n"))

	writeJSON(w, http.StatusOK, chatResponse{
		Responses:        out.Responses,
		ResponseLanguage: out.ResponseLanguage,
		VoiceAudioBase64: nil,
	})
}

// streamEvent is one SSE frame payload.
type streamEvent struct {
	Type             string          `json:"type"`
	Message          string          `json:"message,omitempty"`
	Text             string          `json:"text,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	Result           string          `json:"result,omitempty"`
	Response         string          `json:"response,omitempty"`
	ResponseLanguage string          `json:"response_language,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// streamWriter serializes SSE frames. Callbacks fire from orchestration
// goroutines, so every write goes through the mutex.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sw *streamWriter) send(ev streamEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	fmt.Fprintf(sw.w, "data: %s\n\n", body)
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// handleChatStream serves the streaming chat endpoint. Intermediate events
// (status, progress, tool_use, tool_result) flow as they happen; the stream
// ends with exactly one complete or error event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	requestID := uuid.NewString()
	s.logger.Info("chat stream request", "request_id", requestID, "client_id", req.ClientID, "user_id", req.UserID, "org", req.Org)

	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sw := &streamWriter{w: w, flusher: flusher}

	callbacks := &progress.Callbacks{
		OnStatus: func(message string) {
			sw.send(streamEvent{Type: "status", Message: message})
		},
		OnProgress: func(chunk string) {
			sw.send(streamEvent{Type: "progress", Text: chunk})
		},
		OnToolUse: func(tool string, input json.RawMessage) {
			sw.send(streamEvent{Type: "tool_use", Tool: tool, Input: input})
		},
		OnToolResult: func(tool, result string) {
			sw.send(streamEvent{Type: "tool_result", Tool: tool, Result: result})
		},
	}

	sender := s.webhookFor(req)
	if sender != nil {
		callbacks = progress.Merge(callbacks, sender.Callbacks())
		defer sender.Close()
	}

	out, err := s.service.Handle(r.Context(), &session.Input{
		ClientID:  req.ClientID,
		UserID:    req.UserID,
		Message:   req.Message,
		Org:       req.Org,
		Callbacks: callbacks,
	})
	if err != nil {
		callbacks.Error(err.Error())
		sw.send(streamEvent{Type: "error", Error: err.Error()})
		return
	}
	response := strings.Join(out.Responses, "\n")
	callbacks.Complete(response)
	sw.send(streamEvent{
		Type:             "complete",
		Response:         response,
		ResponseLanguage: out.ResponseLanguage,
	})
}

// writeChatError maps service errors to HTTP statuses.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var invalid *session.InvalidRequestError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("chat request failed", "error", err)
	writeError(w, http.StatusBadGateway, "orchestration failed")
}
