package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI calls the chat completions API in JSON object mode.
type OpenAI struct {
	client        *openai.Client
	model         string
	bank          PromptBank
	historyWindow int
	logger        *slog.Logger
}

// NewOpenAI creates an OpenAI reasoner. BaseURL overrides the API endpoint.
func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:        openai.NewClientWithConfig(cfg),
		model:         model,
		bank:          opts.Bank,
		historyWindow: opts.HistoryWindow,
		logger:        opts.logger(),
	}, nil
}

// Name implements Reasoner.
func (o *OpenAI) Name() string { return "openai" }

// Close implements Reasoner.
func (o *OpenAI) Close() error { return nil }

// Reason implements Reasoner.
func (o *OpenAI) Reason(ctx context.Context, req Request) (*Classification, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req.Locale, bankText(o.bank, req))},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(req, o.historyWindow)},
		},
		Temperature: 0.4,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, unavailable(o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, unavailable(o.Name(), fmt.Errorf("no choices in response"))
	}

	c, err := Decode(resp.Choices[0].Message.Content)
	if err != nil {
		o.logger.Error("openai returned an unusable response", "session_id", req.SessionID, "error", err)
		return nil, err
	}
	return c, nil
}
