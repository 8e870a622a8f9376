package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/actionbridge/actionbridge/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// chatClient is the minimal surface of the OpenAI client we use, so tests
// can substitute a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements SemanticScorer and ParameterExtractor on top of
// an OpenAI-compatible chat completion API.
type OpenAIProvider struct {
	client chatClient
	model  string
}

// NewOpenAIProvider builds a provider from config. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg config.NLUConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("nlu: API key not set")
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(c),
		model:  cfg.Model,
	}, nil
}

const scoreSystemPrompt = "You rate how well a user request matches a business action. " +
	"Respond with only a decimal number between 0 and 1."

// Score asks the model for a similarity rating and parses the numeric reply.
func (p *OpenAIProvider) Score(ctx context.Context, userInput, candidate string) (float64, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scoreSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Request: %s\nAction: %s", userInput, candidate)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("nlu score: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("nlu score: no choices returned")
	}
	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("nlu score: unparseable reply %q", raw)
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

const extractSystemPrompt = "You extract parameter values from a user message. " +
	"Given parameter specs, reply with a JSON object mapping parameter names to string values. " +
	"Omit parameters that are not present. Reply with JSON only."

// Extract asks the model for parameter values in JSON mode.
func (p *OpenAIProvider) Extract(ctx context.Context, userInput string, params []ParamSpec) (map[string]string, error) {
	if len(params) == 0 {
		return map[string]string{}, nil
	}
	specJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("nlu extract: marshal specs: %w", err)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Parameters: %s\nMessage: %s", specJSON, userInput)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("nlu extract: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("nlu extract: no choices returned")
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &values); err != nil {
		return nil, fmt.Errorf("nlu extract: bad JSON reply: %w", err)
	}

	// Drop anything the model invented outside the declared specs.
	known := make(map[string]bool, len(params))
	for _, s := range params {
		known[s.Name] = true
	}
	for k := range values {
		if !known[k] {
			delete(values, k)
		}
	}
	return values, nil
}
