package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/imehof/bookchat/internal/agent"
	"github.com/imehof/bookchat/internal/ingest"
	"github.com/imehof/bookchat/internal/provider"
	"github.com/imehof/bookchat/internal/transcript"
)

// --- mocks ---

type mockAnswerer struct {
	answer func(ctx context.Context, req agent.Request) (agent.Result, error)
	last   agent.Request
}

func (m *mockAnswerer) Answer(ctx context.Context, req agent.Request) (agent.Result, error) {
	m.last = req
	return m.answer(ctx, req)
}

type mockRewriter struct {
	rewrite func(ctx context.Context, question string, history []provider.Message) (string, error)
}

func (m *mockRewriter) Rewrite(ctx context.Context, question string, history []provider.Message) (string, error) {
	if m.rewrite != nil {
		return m.rewrite(ctx, question, history)
	}
	return question, nil
}

type mockIngester struct {
	run func(ctx context.Context, paths []string) (ingest.Result, error)
}

func (m *mockIngester) Run(ctx context.Context, paths []string) (ingest.Result, error) {
	return m.run(ctx, paths)
}

type failingSink struct{}

func (failingSink) Append(context.Context, transcript.Entry) error {
	return errors.New("disk full")
}
func (failingSink) Close() error { return nil }

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewHandler(Deps{})
	rec := doRequest(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestChat_Success(t *testing.T) {
	answerer := &mockAnswerer{answer: func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{
			Answer:  "The ZMP stays in the support polygon.",
			Sources: []string{"walking.md"},
		}, nil
	}}
	h := NewHandler(Deps{Agent: answerer, Rewriter: &mockRewriter{}})

	rec := doRequest(t, h, http.MethodPost, "/chat", ChatRequest{
		Message: "how do robots balance",
		ChatHistory: []ChatMessage{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Response != "The ZMP stays in the support polygon." {
		t.Errorf("response = %q", resp.Response)
	}
	if len(resp.SourceDocuments) != 1 || resp.SourceDocuments[0] != "walking.md" {
		t.Errorf("source_documents = %v", resp.SourceDocuments)
	}
	if len(resp.ChatHistory) != 4 {
		t.Fatalf("chat_history length = %d, want input + 2", len(resp.ChatHistory))
	}
	if resp.ChatHistory[2].Content != "how do robots balance" || resp.ChatHistory[3].Role != "assistant" {
		t.Errorf("chat_history tail = %+v", resp.ChatHistory[2:])
	}
}

func TestChat_MissingMessage(t *testing.T) {
	h := NewHandler(Deps{Agent: &mockAnswerer{}, Rewriter: &mockRewriter{}})
	rec := doRequest(t, h, http.MethodPost, "/chat", map[string]any{"selected_text": "foo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_InvalidHistoryRole(t *testing.T) {
	h := NewHandler(Deps{Agent: &mockAnswerer{}, Rewriter: &mockRewriter{}})
	rec := doRequest(t, h, http.MethodPost, "/chat", map[string]any{
		"message":      "q",
		"chat_history": []map[string]string{{"role": "system", "content": "x"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChat_ProviderFailureReturnsApology(t *testing.T) {
	answerer := &mockAnswerer{answer: func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{}, &agent.GenerationError{Round: 1, Err: errors.New("backend down")}
	}}
	h := NewHandler(Deps{Agent: answerer, Rewriter: &mockRewriter{}})

	rec := doRequest(t, h, http.MethodPost, "/chat", ChatRequest{Message: "q"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Response != apologyMessage {
		t.Errorf("response = %q, want the apology", resp.Response)
	}
	if strings.Contains(resp.Response, "backend down") {
		t.Error("error detail leaked into the response body")
	}
}

func TestChat_RewriteFeedsAgent(t *testing.T) {
	rewriter := &mockRewriter{rewrite: func(ctx context.Context, question string, history []provider.Message) (string, error) {
		if len(history) != 2 {
			t.Errorf("rewriter got %d history messages, want 2", len(history))
		}
		return "How accurate is SLAM localization?", nil
	}}
	answerer := &mockAnswerer{answer: func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Answer: "quite accurate"}, nil
	}}
	h := NewHandler(Deps{Agent: answerer, Rewriter: rewriter})

	rec := doRequest(t, h, http.MethodPost, "/chat", ChatRequest{
		Message: "how accurate is it",
		ChatHistory: []ChatMessage{
			{Role: "user", Content: "tell me about SLAM"},
			{Role: "assistant", Content: "it builds a map"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if answerer.last.Message != "How accurate is SLAM localization?" {
		t.Errorf("agent got %q, want the rewritten question", answerer.last.Message)
	}

	// The returned history keeps the user's original wording.
	var resp ChatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ChatHistory[2].Content != "how accurate is it" {
		t.Errorf("history user turn = %q, want the original message", resp.ChatHistory[2].Content)
	}
}

func TestChat_TranscriptRecorded(t *testing.T) {
	sink, err := transcript.Open(":memory:")
	if err != nil {
		t.Fatalf("transcript.Open: %v", err)
	}
	defer sink.Close()

	answerer := &mockAnswerer{answer: func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Answer: "an answer", Sources: []string{"doc.md"}, ToolQueries: []string{"q"}}, nil
	}}
	h := NewHandler(Deps{Agent: answerer, Rewriter: &mockRewriter{}, Transcript: sink})

	rec := doRequest(t, h, http.MethodPost, "/chat", ChatRequest{
		Message:   "what is ROS",
		SessionID: "sess-1",
		UserID:    "u1",
		UserProfile: &agent.Profile{
			ROSExperience: "none",
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	turns, err := sink.Recent(context.Background(), "sess-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d recorded turns, want 1", len(turns))
	}
	turn := turns[0]
	if turn.UserMessage != "what is ROS" || turn.AssistantMessage != "an answer" || turn.UserID != "u1" {
		t.Errorf("unexpected turn: %+v", turn)
	}
	if len(turn.Metadata.Sources) != 1 || turn.Metadata.Sources[0] != "doc.md" {
		t.Errorf("metadata sources = %v", turn.Metadata.Sources)
	}
	if turn.Metadata.Profile["rosExperience"] != "none" {
		t.Errorf("metadata profile = %v", turn.Metadata.Profile)
	}
}

func TestChat_TranscriptFailureDoesNotFailRequest(t *testing.T) {
	answerer := &mockAnswerer{answer: func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{Answer: "ok"}, nil
	}}
	h := NewHandler(Deps{Agent: answerer, Rewriter: &mockRewriter{}, Transcript: failingSink{}})

	rec := doRequest(t, h, http.MethodPost, "/chat", ChatRequest{Message: "q"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite transcript failure", rec.Code)
	}
}

func TestIngest_Success(t *testing.T) {
	ing := &mockIngester{run: func(ctx context.Context, paths []string) (ingest.Result, error) {
		if len(paths) != 2 {
			t.Errorf("got %d paths, want 2", len(paths))
		}
		return ingest.Result{Documents: 2, Chunks: 14, Skipped: 0}, nil
	}}
	h := NewHandler(Deps{Ingest: ing})

	rec := doRequest(t, h, http.MethodPost, "/ingest", IngestRequest{
		FilePaths: []string{"a.md", "b.md"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("status = %q", resp.Status)
	}
	if !strings.Contains(resp.Details, "2 documents") || !strings.Contains(resp.Details, "14 chunks") {
		t.Errorf("details = %q", resp.Details)
	}
}

func TestIngest_EmptyPaths(t *testing.T) {
	h := NewHandler(Deps{Ingest: &mockIngester{}})
	rec := doRequest(t, h, http.MethodPost, "/ingest", map[string]any{"file_paths": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIngest_PipelineFailure(t *testing.T) {
	ing := &mockIngester{run: func(ctx context.Context, paths []string) (ingest.Result, error) {
		return ingest.Result{}, errors.New("embedding backend down")
	}}
	h := NewHandler(Deps{Ingest: ing})

	rec := doRequest(t, h, http.MethodPost, "/ingest", IngestRequest{FilePaths: []string{"a.md"}})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := NewHandler(Deps{})
	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS origin header")
	}
}
