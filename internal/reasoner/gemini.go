package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini calls the Gemini API through the Google Gen AI SDK with a JSON
// response MIME type.
type Gemini struct {
	client        *genai.Client
	model         string
	bank          PromptBank
	historyWindow int
	logger        *slog.Logger
}

// NewGemini creates a Gemini reasoner. An API key is required; an empty
// BaseURL selects the public endpoint.
func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: opts.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		client:        client,
		model:         model,
		bank:          opts.Bank,
		historyWindow: opts.HistoryWindow,
		logger:        opts.logger(),
	}, nil
}

// Name implements Reasoner.
func (g *Gemini) Name() string { return "gemini" }

// Close implements Reasoner. The SDK client holds no resources to release.
func (g *Gemini) Close() error { return nil }

// Reason implements Reasoner.
func (g *Gemini) Reason(ctx context.Context, req Request) (*Classification, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr(float32(0.4)),
		SystemInstruction: genai.NewContentFromText(SystemPrompt(req.Locale, bankText(g.bank, req)), genai.RoleUser),
	}
	contents := []*genai.Content{
		genai.NewContentFromText(UserPrompt(req, g.historyWindow), genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, unavailable(g.Name(), err)
	}

	c, err := Decode(resp.Text())
	if err != nil {
		g.logger.Error("gemini returned an unusable response", "session_id", req.SessionID, "error", err)
		return nil, err
	}
	return c, nil
}
