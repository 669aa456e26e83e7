// Package api exposes the chat and ingestion HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/imehof/bookchat/internal/agent"
	"github.com/imehof/bookchat/internal/ingest"
	"github.com/imehof/bookchat/internal/provider"
	"github.com/imehof/bookchat/internal/transcript"
	"github.com/imehof/bookchat/internal/vectorindex"
)

const maxRequestBodySize = 1 << 20 // 1MB

// apologyMessage is what the user sees when the model or the index is down.
// The actual error goes to the log only.
const apologyMessage = "I'm sorry, I ran into a problem while answering. Please try again in a moment."

var validate = validator.New()

// Answerer runs the conversation loop for one turn.
type Answerer interface {
	Answer(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Rewriter turns a follow-up question into a standalone one.
type Rewriter interface {
	Rewrite(ctx context.Context, question string, history []provider.Message) (string, error)
}

// Ingester rebuilds the content collection from document paths.
type Ingester interface {
	Run(ctx context.Context, paths []string) (ingest.Result, error)
}

// Deps carries everything the handlers need. Transcript may be nil, which
// disables chat logging.
type Deps struct {
	Agent      Answerer
	Rewriter   Rewriter
	Ingest     Ingester
	Transcript transcript.Sink
}

// NewHandler returns the HTTP handler serving the chat API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(allowCORS)

	r.Get("/healthz", handleHealth)
	r.Post("/chat", handleChat(deps))
	r.Post("/ingest", handleIngest(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ChatMessage is one prior turn supplied by the frontend.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Message      string         `json:"message" validate:"required"`
	ChatHistory  []ChatMessage  `json:"chat_history" validate:"omitempty,dive"`
	SelectedText string         `json:"selected_text"`
	UserProfile  *agent.Profile `json:"user_profile"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
}

type ChatResponse struct {
	Response        string        `json:"response"`
	SourceDocuments []string      `json:"source_documents"`
	ChatHistory     []ChatMessage `json:"chat_history"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request: %v", err)
			return
		}

		history := toProviderMessages(req.ChatHistory)

		// Follow-up questions lean on earlier turns; rewrite them into a
		// standalone question so the content search still finds the right
		// chunks. Skipped (no model call) when there is no history.
		question, err := deps.Rewriter.Rewrite(r.Context(), req.Message, history)
		if err != nil {
			respondDegraded(w, req, err)
			return
		}

		result, err := deps.Agent.Answer(r.Context(), agent.Request{
			Message:      question,
			History:      history,
			SelectedText: req.SelectedText,
			Profile:      req.UserProfile,
		})
		if err != nil {
			respondDegraded(w, req, err)
			return
		}

		// The response history carries the user's original wording, not the
		// rewritten question.
		outHistory := append(req.ChatHistory,
			ChatMessage{Role: "user", Content: req.Message},
			ChatMessage{Role: "assistant", Content: result.Answer},
		)

		if deps.Transcript != nil {
			entry := transcript.Entry{
				SessionID:        req.SessionID,
				UserID:           req.UserID,
				CreatedAt:        time.Now().UTC(),
				UserMessage:      req.Message,
				AssistantMessage: result.Answer,
				SelectedText:     req.SelectedText,
				Metadata: transcript.Metadata{
					Sources:     result.Sources,
					ToolQueries: result.ToolQueries,
					Profile:     profileMap(req.UserProfile),
				},
			}
			if err := deps.Transcript.Append(r.Context(), entry); err != nil {
				slog.Warn("failed to record chat turn", "session_id", req.SessionID, "error", err)
			}
		}

		sources := result.Sources
		if sources == nil {
			sources = []string{}
		}
		writeJSON(w, http.StatusOK, ChatResponse{
			Response:        result.Answer,
			SourceDocuments: sources,
			ChatHistory:     outHistory,
		})
	}
}

// respondDegraded maps model and index failures to a 502 whose body still
// has the chat response shape, so the frontend can render it directly.
func respondDegraded(w http.ResponseWriter, req ChatRequest, err error) {
	var provErr *provider.Error
	var genErr *agent.GenerationError
	switch {
	case errors.As(err, &provErr), errors.As(err, &genErr), errors.Is(err, vectorindex.ErrUnavailable):
		slog.Error("chat turn failed", "session_id", req.SessionID, "error", err)
		history := req.ChatHistory
		if history == nil {
			history = []ChatMessage{}
		}
		writeJSON(w, http.StatusBadGateway, ChatResponse{
			Response:        apologyMessage,
			SourceDocuments: []string{},
			ChatHistory:     history,
		})
	default:
		slog.Error("chat turn failed unexpectedly", "session_id", req.SessionID, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

type IngestRequest struct {
	FilePaths []string `json:"file_paths" validate:"required,min=1,dive,required"`
}

type IngestResponse struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request: %v", err)
			return
		}

		res, err := deps.Ingest.Run(r.Context(), req.FilePaths)
		if err != nil {
			slog.Error("ingestion failed", "error", err)
			httpError(w, http.StatusBadGateway, "api_error", "ingestion failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, IngestResponse{
			Status: "success",
			Details: fmt.Sprintf("Indexed %d documents (%d chunks, %d skipped)",
				res.Documents, res.Chunks, res.Skipped),
		})
	}
}

func toProviderMessages(history []ChatMessage) []provider.Message {
	if len(history) == 0 {
		return nil
	}
	out := make([]provider.Message, len(history))
	for i, m := range history {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func profileMap(p *agent.Profile) map[string]string {
	if p == nil {
		return nil
	}
	return map[string]string{
		"programmingExperience": p.ProgrammingExperience,
		"rosExperience":         p.ROSExperience,
		"aiMlExperience":        p.AIMLExperience,
	}
}

// allowCORS lets the course reader frontend call the API from another origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
