package nodes

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"flowcore"
	"flowcore/flows"
	"flowcore/kv"
)

// LLMRouterConfig configures how a router turns LLM outputs into actions.
type LLMRouterConfig struct {
	Name        string
	Model       string
	Prompt      string
	Actions     []string
	InputKey    string
	Default     string
	Temperature float32
	MaxTokens   int
	Cache       kv.Store
	Limiter     *rate.Limiter
}

// LLMRouter asks the model which of Actions to follow. The first action named
// in the reply wins; Default is used when none is.
type LLMRouter struct {
	flows.AsyncNode
	client ChatClient
	cfg    LLMRouterConfig
}

func NewLLMRouter(client ChatClient, cfg LLMRouterConfig, opts ...flows.NodeOption) *LLMRouter {
	if cfg.Name == "" {
		cfg.Name = "llm-router"
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT3Dot5Turbo
	}
	if cfg.InputKey == "" {
		cfg.InputKey = "input"
	}
	if cfg.Default == "" && len(cfg.Actions) > 0 {
		cfg.Default = cfg.Actions[0]
	}
	opts = append([]flows.NodeOption{flows.WithName(cfg.Name)}, opts...)
	return &LLMRouter{AsyncNode: flows.NewAsyncNode(opts...), client: nilIfTyped(client), cfg: cfg}
}

func (r *LLMRouter) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	prompt := r.cfg.Prompt
	if len(r.cfg.Actions) > 0 {
		prompt = fmt.Sprintf("%s\nAnswer with one of: %s", prompt, strings.Join(r.cfg.Actions, ", "))
	}
	return openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprint(shared[r.cfg.InputKey])},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}, nil
}

func (r *LLMRouter) ExecAsync(ctx context.Context, prep any) (any, error) {
	if r.client == nil {
		return r.cfg.Default, nil
	}
	return complete(ctx, r.client, r.cfg.Cache, r.cfg.Limiter, prep.(openai.ChatCompletionRequest))
}

func (r *LLMRouter) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	reply, err := resultAs[string](r.Name(), exec)
	if err != nil {
		return "", err
	}
	answer := strings.ToLower(strings.TrimSpace(reply))
	shared["route"] = answer
	for _, action := range r.cfg.Actions {
		if strings.Contains(answer, strings.ToLower(action)) {
			return flowcore.Action(action), nil
		}
	}
	return flowcore.Action(r.cfg.Default), nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "llm_router",
		Description: "Prompts an LLM to pick a named action from the supplied list.",
		Example:     `nodes.NewLLMRouter(client, nodes.LLMRouterConfig{Actions: []string{"search", "summarize"}, Prompt: "Pick one action"})`,
	})
}
