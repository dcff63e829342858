package reasoner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
	ProviderStatic = "static"
)

// PromptBank renders the stage questions included in model prompts.
type PromptBank interface {
	FormatForPrompt(locale string, stage domain.Stage) string
}

// Bank is what New needs from the question bank.
type Bank interface {
	PromptBank
	QuestionSource
}

// Options configures a reasoner.
type Options struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	GRPCAddr      string
	HistoryWindow int
	Bank          Bank
	Logger        *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// New builds the reasoner named by opts.Provider.
func New(ctx context.Context, opts Options) (Reasoner, error) {
	switch strings.ToLower(opts.Provider) {
	case ProviderGemini:
		return NewGemini(ctx, opts)
	case ProviderOpenAI:
		return NewOpenAI(opts)
	case ProviderGRPC:
		cfg := DefaultGRPCConfig()
		if opts.GRPCAddr != "" {
			cfg.Address = opts.GRPCAddr
		}
		return NewGRPC(cfg, opts.logger())
	case ProviderStatic, "":
		if opts.Bank == nil {
			return nil, fmt.Errorf("static reasoner requires a question bank")
		}
		return NewStatic(opts.Bank), nil
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", opts.Provider)
	}
}

func bankText(bank PromptBank, req Request) string {
	if bank == nil {
		return ""
	}
	stage := req.CurrentStage
	if !stage.Valid() {
		stage = domain.DefaultStage
	}
	return bank.FormatForPrompt(req.Locale, stage)
}
