// Package agent runs the tool-calling conversation loop: the model answers
// course questions, calling the content search tool as many times as it
// needs up to a round limit.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/imehof/bookchat/internal/provider"
	"github.com/imehof/bookchat/internal/retrieval"
)

// defaultMaxRounds bounds tool-calling rounds per answer.
const defaultMaxRounds = 5

// answerTemperature keeps responses focused and educational.
const answerTemperature = 0.3

// SearchFunc executes one content search on behalf of the model.
type SearchFunc func(ctx context.Context, query string, topK int) ([]retrieval.Chunk, error)

// Generator is the slice of the provider client the agent needs.
type Generator interface {
	Generate(ctx context.Context, req provider.GenerateRequest) (provider.Reply, error)
}

// GenerationError wraps any model or tool failure inside the answer loop.
type GenerationError struct {
	Round int
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed in round %d: %v", e.Round, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Options tune the answer loop.
type Options struct {
	// MaxRounds bounds tool-calling rounds; <= 0 means the default of 5.
	MaxRounds int
	// AbortOnToolError fails the whole answer when a tool call fails.
	// When false a failed call degrades to an empty result list.
	AbortOnToolError bool
}

// Agent answers questions about the course, searching its content on demand.
type Agent struct {
	generator Generator
	search    SearchFunc
	opts      Options
	logger    *slog.Logger
}

// New creates an Agent with the given dependencies.
func New(generator Generator, search SearchFunc, opts Options) *Agent {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	return &Agent{
		generator: generator,
		search:    search,
		opts:      opts,
		logger:    slog.Default(),
	}
}

// Request is one user turn.
type Request struct {
	Message      string
	History      []provider.Message
	SelectedText string
	Profile      *Profile
}

// Result is the agent's answer plus everything the caller needs to record
// the turn: which sources fed the answer, what the model searched for, and
// the updated history.
type Result struct {
	Answer      string
	Sources     []string
	ToolQueries []string
	History     []provider.Message
}

// searchTool is the function schema offered to the model.
var searchTool = provider.Tool{
	Name:        "search_course_content",
	Description: "Search the Physical AI & Humanoid Robotics course material for relevant information. Use this when you need specific information from the course to answer a question.",
	Parameters: provider.ToolParams{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to find relevant course content. Should be specific and focused.",
			},
			"num_results": map[string]any{
				"type":        "integer",
				"description": "Number of results to return (default 5, max 10)",
				"default":     5,
			},
		},
		Required: []string{"query"},
	},
}

type searchArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

type searchResult struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Answer runs the conversation loop for one user turn.
//
// The loop ends when the model replies without tool calls or when MaxRounds
// is reached; in the latter case the last reply's content is returned as-is,
// so the loop can never run forever.
func (a *Agent) Answer(ctx context.Context, req Request) (Result, error) {
	userContent := req.Message
	if req.SelectedText != "" {
		userContent = annotateSelectedText(req.Message, req.SelectedText)
	}

	messages := make([]provider.Message, 0, len(req.History)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: BuildSystemPrompt(req.Profile)})
	messages = append(messages, req.History...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userContent})

	sources := make(map[string]struct{})
	var toolQueries []string

	reply, err := a.generate(ctx, messages, 0)
	if err != nil {
		return Result{}, err
	}

	for round := 1; len(reply.ToolCalls) > 0 && round <= a.opts.MaxRounds; round++ {
		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		toolMsgs, queries, err := a.executeCalls(ctx, reply.ToolCalls, sources, round)
		if err != nil {
			return Result{}, err
		}
		messages = append(messages, toolMsgs...)
		toolQueries = append(toolQueries, queries...)

		reply, err = a.generate(ctx, messages, round)
		if err != nil {
			return Result{}, err
		}
	}

	history := make([]provider.Message, 0, len(req.History)+2)
	history = append(history, req.History...)
	history = append(history,
		provider.Message{Role: provider.RoleUser, Content: req.Message},
		provider.Message{Role: provider.RoleAssistant, Content: reply.Content},
	)

	return Result{
		Answer:      reply.Content,
		Sources:     sortedKeys(sources),
		ToolQueries: toolQueries,
		History:     history,
	}, nil
}

func (a *Agent) generate(ctx context.Context, messages []provider.Message, round int) (provider.Reply, error) {
	reply, err := a.generator.Generate(ctx, provider.GenerateRequest{
		Messages:    messages,
		Tools:       []provider.Tool{searchTool},
		Temperature: answerTemperature,
	})
	if err != nil {
		return provider.Reply{}, &GenerationError{Round: round, Err: err}
	}
	return reply, nil
}

// executeCalls runs all tool calls of one round concurrently and returns the
// tool messages in call order. Sources from every call land in the shared
// set after all calls finish, so the set is never written concurrently.
func (a *Agent) executeCalls(ctx context.Context, calls []provider.ToolCall, sources map[string]struct{}, round int) ([]provider.Message, []string, error) {
	toolMsgs := make([]provider.Message, len(calls))
	queries := make([]string, len(calls))
	callSources := make([][]string, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		g.Go(func() error {
			content, srcs, query, err := a.executeCall(gctx, tc)
			if err != nil {
				if a.opts.AbortOnToolError {
					return &GenerationError{Round: round, Err: err}
				}
				a.logger.Warn("tool call failed, returning empty results",
					"tool", tc.Name, "round", round, "error", err)
				content = "[]"
			}
			toolMsgs[i] = provider.Message{
				Role:       provider.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			}
			queries[i] = query
			callSources[i] = srcs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for _, srcs := range callSources {
		for _, s := range srcs {
			sources[s] = struct{}{}
		}
	}
	return toolMsgs, queries, nil
}

// executeCall dispatches a single tool call and renders its result as the
// JSON the model sees.
func (a *Agent) executeCall(ctx context.Context, tc provider.ToolCall) (content string, srcs []string, query string, err error) {
	if tc.Name != searchTool.Name {
		return "", nil, "", fmt.Errorf("unknown tool %q", tc.Name)
	}

	var args searchArgs
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return "", nil, "", fmt.Errorf("parsing arguments for %s: %w", tc.Name, err)
	}
	if args.Query == "" {
		return "", nil, "", fmt.Errorf("tool %s called without a query", tc.Name)
	}

	chunks, err := a.search(ctx, args.Query, args.NumResults)
	if err != nil {
		return "", nil, args.Query, fmt.Errorf("searching course content: %w", err)
	}

	results := make([]searchResult, len(chunks))
	for i, c := range chunks {
		source := c.Source
		if source == "" {
			source = "unknown"
		}
		results[i] = searchResult{Content: c.Text, Source: source}
		srcs = append(srcs, source)
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return "", nil, args.Query, fmt.Errorf("encoding tool results: %w", err)
	}
	return string(encoded), srcs, args.Query, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
