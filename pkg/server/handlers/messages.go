package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"meridian-hq/meridian/pkg/pipeline"
	"meridian-hq/meridian/pkg/routing"
	"meridian-hq/meridian/pkg/translate"
)

const maxRequestBody = 32 << 20

// MessagesHandler serves POST /v1/messages, buffered or streaming per the
// request's stream flag.
type MessagesHandler struct {
	pipeline      *pipeline.Pipeline
	router        *routing.Router
	allowRotation bool
	logger        *slog.Logger
}

// NewMessagesHandler creates the chat endpoint handler.
func NewMessagesHandler(p *pipeline.Pipeline, router *routing.Router, allowRotation bool) *MessagesHandler {
	return &MessagesHandler{
		pipeline:      p,
		router:        router,
		allowRotation: allowRotation,
		logger:        slog.Default().With("component", "handler.messages"),
	}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req translate.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: "+err.Error())
		return
	}

	opts := pipeline.Options{AllowRotation: h.allowRotation}
	if pinned := h.router.PinnedAccount(req.Model); pinned != "" {
		opts.AccountID = pinned
	} else {
		for _, a := range h.router.Candidates(req.Model) {
			opts.Candidates = append(opts.Candidates, a.ID)
		}
	}

	if req.Stream {
		h.serveStream(w, r, &req, opts)
		return
	}
	h.serveBuffered(w, r, &req, opts)
}

func (h *MessagesHandler) serveBuffered(w http.ResponseWriter, r *http.Request, req *translate.ChatRequest, opts pipeline.Options) {
	resp, err := h.pipeline.Execute(r.Context(), req, opts)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MessagesHandler) serveStream(w http.ResponseWriter, r *http.Request, req *translate.ChatRequest, opts pipeline.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported by connection")
		return
	}

	stream, err := h.pipeline.ExecuteStreaming(r.Context(), req, opts)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Events() {
		frame, err := translate.EncodeSSE(ev)
		if err != nil {
			h.logger.Error("dropping unencodable stream event", "event", ev.EventName(), "error", err)
			continue
		}
		if _, err := w.Write(frame); err != nil {
			// Client went away; Close tears down the upstream read.
			return
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		// Headers are gone; the best we can do is a terminal error event.
		h.logger.Warn("stream ended with error", "error", err)
		_, _ = w.Write([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"stream aborted\"}}\n\n"))
		flusher.Flush()
	}
}
