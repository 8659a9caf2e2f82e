package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/protocol"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Identity headers. A request without them gets fresh keys, which places
// it in its own conversation.
const (
	headerSessionID      = "X-Session-Id"
	headerConversationID = "X-Conversation-Id"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Protocol.MaxRequestBytes)

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, relayerror.Wrap(relayerror.TypeValidation,
			"request body is not a valid messages request", err))
		return
	}

	sessionKey := r.Header.Get(headerSessionID)
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	conversationKey := r.Header.Get(headerConversationID)
	if conversationKey == "" {
		conversationKey = sessionKey
	}

	if err := s.limiter.Allow(r.Context(), sessionKey); err != nil {
		writeError(w, err)
		return
	}

	reply, err := s.rt.Handle(r.Context(), &req, sessionKey, conversationKey)
	if err != nil {
		writeError(w, err)
		return
	}

	usage := reply.Response.Usage
	s.limiter.RecordTokens(r.Context(), sessionKey, int64(usage.InputTokens+usage.OutputTokens))

	if req.Stream {
		if chunks, ok := reply.Context.Metadata[protocol.MetaStreamChunks].([]openai.ChatStreamChunk); ok {
			writeSSE(w, chunks)
			return
		}
	}

	writeJSON(w, http.StatusOK, reply.Response)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": s.rt.ListPipelines(),
	})
}

func (s *Server) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := s.rt.PipelineStats(id)
	if !ok {
		writeError(w, relayerror.Newf(relayerror.TypeNotFound, "unknown pipeline %q", id))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleModuleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": s.rt.ModuleMetrics(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	relayErr := relayerror.AsError(err)
	writeJSON(w, relayerror.HTTPStatus(relayErr.Type), relayerror.ToEnvelope(relayErr))
}

// writeSSE emits the re-expanded chunk sequence as server-sent events and
// closes the stream with a [DONE] sentinel.
func writeSSE(w http.ResponseWriter, chunks []openai.ChatStreamChunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	for i := range chunks {
		data, err := json.Marshal(&chunks[i])
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}
