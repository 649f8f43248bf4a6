package nodes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowcore"
	"flowcore/flows"
	"flowcore/kv"
)

// ChatClient is the part of *openai.Client the LLM nodes use.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ ChatClient = (*openai.Client)(nil)

// LLMNodeConfig controls how the LLM is called.
type LLMNodeConfig struct {
	Name         string
	Model        string
	SystemPrompt string
	InputKey     string
	OutputKey    string
	Temperature  float32
	MaxTokens    int
	Stop         []string
	// Cache, when set, stores completions keyed by a hash of the request.
	Cache kv.Store
	// Limiter, when set, throttles outgoing requests.
	Limiter *rate.Limiter
}

// DefaultLLMNodeConfig returns a starter config for a prompt-based node.
func DefaultLLMNodeConfig(prompt string) LLMNodeConfig {
	return LLMNodeConfig{
		Name:         "llm",
		Model:        openai.GPT3Dot5Turbo,
		SystemPrompt: prompt,
		InputKey:     "input",
		OutputKey:    "llm_output",
		Temperature:  0.5,
		MaxTokens:    256,
	}
}

// LLMNode sends shared[InputKey] to a chat model and stores the reply under
// OutputKey. A nil client produces a deterministic mock reply.
type LLMNode struct {
	flows.AsyncNode
	client ChatClient
	cfg    LLMNodeConfig
}

func NewLLMNode(client ChatClient, cfg LLMNodeConfig, opts ...flows.NodeOption) *LLMNode {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "llm_output"
	}
	if cfg.InputKey == "" {
		cfg.InputKey = "input"
	}
	opts = append([]flows.NodeOption{flows.WithName(cfg.Name)}, opts...)
	return &LLMNode{AsyncNode: flows.NewAsyncNode(opts...), client: nilIfTyped(client), cfg: cfg}
}

func (n *LLMNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	messages := []openai.ChatCompletionMessage{}
	if n.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: n.cfg.SystemPrompt})
	}
	if raw, ok := shared[n.cfg.InputKey]; ok {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: fmt.Sprint(raw)})
	}
	return openai.ChatCompletionRequest{
		Model:       n.cfg.Model,
		Messages:    messages,
		Temperature: n.cfg.Temperature,
		MaxTokens:   n.cfg.MaxTokens,
		Stop:        n.cfg.Stop,
	}, nil
}

func (n *LLMNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	req := prep.(openai.ChatCompletionRequest)
	if n.client == nil {
		return mockReply(req), nil
	}
	return complete(ctx, n.client, n.cfg.Cache, n.cfg.Limiter, req)
}

func (n *LLMNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	reply, err := resultAs[string](n.Name(), exec)
	if err != nil {
		return "", err
	}
	shared[n.cfg.OutputKey] = strings.TrimSpace(reply)
	shared["llm_response"] = reply
	return "", nil
}

func mockReply(req openai.ChatCompletionRequest) string {
	input := ""
	if len(req.Messages) > 0 {
		if last := req.Messages[len(req.Messages)-1]; last.Role == openai.ChatMessageRoleUser {
			input = last.Content
		}
	}
	return "mock response for " + input
}

// complete performs one chat completion through the optional cache and
// limiter. Client errors other than 408 and 429 are marked permanent.
func complete(ctx context.Context, client ChatClient, cache kv.Store, limiter *rate.Limiter, req openai.ChatCompletionRequest) (string, error) {
	key := ""
	if cache != nil {
		key = cacheKey(req)
		if hit, err := cache.Get(ctx, key); err == nil {
			return string(hit), nil
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	content := resp.Choices[0].Message.Content

	if cache != nil {
		if err := cache.Put(ctx, key, []byte(content)); err != nil {
			flows.Logger().Warn("llm cache write failed", zap.Error(err))
		}
	}
	return content, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return flowcore.Permanent(fmt.Errorf("llm request rejected: %w", err))
	}
	return fmt.Errorf("llm request: %w", err)
}

func cacheKey(req openai.ChatCompletionRequest) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return "llm/" + hex.EncodeToString(sum[:])
}

// nilIfTyped turns a typed nil pointer into a nil interface so the mock path
// is taken for (*openai.Client)(nil).
func nilIfTyped(c ChatClient) ChatClient {
	if oc, ok := c.(*openai.Client); ok && oc == nil {
		return nil
	}
	return c
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "llm",
		Description: "Calls a chat model via go-openai with optional caching and rate limiting; a nil client produces a mock response.",
		Example:     `nodes.NewLLMNode(client, nodes.DefaultLLMNodeConfig("translate to french"), flows.WithMaxRetries(3))`,
	})
}
