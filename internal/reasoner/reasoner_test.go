package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/questionbank"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestDecodeNormalizesPayload(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		raw   string
		stage domain.Stage
		tags  []domain.MetacogTag
		depth domain.Depth
	}{
		{
			name:  "scalar tag",
			raw:   `{"current_stage":"idea_generation","detected_metacog_needs":"control","response_depth":"deep","scaffolding_question":"Why?","should_transition":false}`,
			stage: domain.StageIdeas,
			tags:  []domain.MetacogTag{domain.TagControl},
			depth: domain.DepthDeep,
		},
		{
			name:  "korean list with duplicates",
			raw:   `{"current_stage":"도전_이해_자료탐색","detected_metacog_needs":["점검","지식","점검"],"response_depth":"medium","scaffolding_question":"어떤가요?"}`,
			stage: domain.StageChallenge,
			tags:  []domain.MetacogTag{domain.TagMonitoring, domain.TagKnowledge},
			depth: domain.DepthMedium,
		},
		{
			name:  "fenced with unknown entries",
			raw:   "```json\n{\"current_stage\":\"wrap_up\",\"detected_metacog_needs\":[\"creativity\"],\"response_depth\":\"huge\",\"scaffolding_question\":\"Next?\"}\n```",
			stage: "",
			tags:  nil,
			depth: "",
		},
		{
			name:  "null tags",
			raw:   `{"current_stage":"C","detected_metacog_needs":null,"scaffolding_question":"Plan?"}`,
			stage: domain.StageAction,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Decode(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.stage, c.Stage)
			assert.Equal(t, tc.tags, c.MetacogTags)
			assert.Equal(t, tc.depth, c.Depth)
			assert.NotEmpty(t, c.Utterance)
		})
	}
}

func TestDecodeFailuresAreReasoningUnavailable(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"not json at all",
		`{"current_stage":"idea_generation","scaffolding_question":"   "}`,
		`{"detected_metacog_needs":42,"scaffolding_question":"x"}`,
	} {
		_, err := Decode(raw)
		require.ErrorIs(t, err, domain.ErrReasoningUnavailable, "input %q", raw)
	}
}

func TestUserPromptKeepsHistoryWindow(t *testing.T) {
	t.Parallel()

	var history []domain.HistoryMessage
	for i := 0; i < 8; i++ {
		history = append(history, domain.HistoryMessage{Role: domain.RoleUser, Content: string(rune('a' + i))})
	}
	out := UserPrompt(Request{Message: "now", History: history, CurrentStage: domain.StageIdeas}, 3)

	assert.NotContains(t, out, "Learner: e\n")
	assert.Contains(t, out, "Learner: f\n")
	assert.Contains(t, out, "Learner: h\n")
	assert.Contains(t, out, "Current stage: idea_generation")
}

func TestStaticIsDeterministic(t *testing.T) {
	t.Parallel()
	bank, err := questionbank.Default()
	require.NoError(t, err)
	s := NewStatic(bank)

	req := Request{Message: "I think the main issue is that students do not sort waste", CurrentStage: domain.StageChallenge, Locale: "en"}
	a, err := s.Reason(context.Background(), req)
	require.NoError(t, err)
	b, err := s.Reason(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, domain.StageChallenge, a.Stage)
	assert.Equal(t, []domain.MetacogTag{domain.TagMonitoring}, a.MetacogTags)
	assert.Equal(t, domain.DepthMedium, a.Depth)
}

func TestOpenAIReasoner(t *testing.T) {
	t.Parallel()

	var gotReq openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		content, _ := json.Marshal(map[string]any{
			"current_stage":          "action_preparation",
			"detected_metacog_needs": []string{"monitoring", "control"},
			"response_depth":         "shallow",
			"scaffolding_question":   "Which idea is most feasible?",
			"should_transition":      true,
			"reasoning":              "learner is converging",
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": string(content)},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)

	r, err := NewOpenAI(Options{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	c, err := r.Reason(context.Background(), Request{SessionID: "s1", Message: "we should pick one", CurrentStage: domain.StageIdeas})
	require.NoError(t, err)
	assert.Equal(t, domain.StageAction, c.Stage)
	assert.Equal(t, []domain.MetacogTag{domain.TagMonitoring, domain.TagControl}, c.MetacogTags)
	assert.True(t, c.ShouldTransition)

	require.NotNil(t, gotReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, gotReq.ResponseFormat.Type)
	require.Len(t, gotReq.Messages, 2)
	assert.True(t, strings.Contains(gotReq.Messages[1].Content, "we should pick one"))
}

func TestOpenAIReasonerTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	r, err := NewOpenAI(Options{APIKey: "test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = r.Reason(context.Background(), Request{Message: "hi"})
	require.ErrorIs(t, err, domain.ErrReasoningUnavailable)
}

func geminiServer(t *testing.T, status int, text string, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		if status != http.StatusOK {
			http.Error(w, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiReasoner(t *testing.T) {
	t.Parallel()

	content, err := json.Marshal(map[string]any{
		"current_stage":          "idea_generation",
		"detected_metacog_needs": []string{"knowledge"},
		"response_depth":         "medium",
		"scaffolding_question":   "What else could work?",
		"should_transition":      false,
		"reasoning":              "learner is exploring",
	})
	require.NoError(t, err)

	var body map[string]any
	srv := geminiServer(t, http.StatusOK, string(content), &body)

	r, err := NewGemini(context.Background(), Options{APIKey: "test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	c, err := r.Reason(context.Background(), Request{SessionID: "s1", Message: "maybe a shared garden", CurrentStage: domain.StageIdeas})
	require.NoError(t, err)
	assert.Equal(t, domain.StageIdeas, c.Stage)
	assert.Equal(t, []domain.MetacogTag{domain.TagKnowledge}, c.MetacogTags)
	assert.Equal(t, "What else could work?", c.Utterance)

	genCfg, ok := body["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing from request: %v", body)
	assert.Equal(t, "application/json", genCfg["responseMimeType"])

	sys, ok := body["systemInstruction"].(map[string]any)
	require.True(t, ok, "systemInstruction missing from request: %v", body)
	parts, ok := sys["parts"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, parts)
	assert.NotEmpty(t, parts[0].(map[string]any)["text"])

	raw, err := json.Marshal(body["contents"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "maybe a shared garden")
}

func TestGeminiReasonerFailuresAreReasoningUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		text   string
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "malformed json", status: http.StatusOK, text: "not json {"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := geminiServer(t, tt.status, tt.text, nil)

			r, err := NewGemini(context.Background(), Options{APIKey: "test", BaseURL: srv.URL + "/"})
			require.NoError(t, err)

			_, err = r.Reason(context.Background(), Request{Message: "hi"})
			require.ErrorIs(t, err, domain.ErrReasoningUnavailable)
		})
	}
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := NewGemini(context.Background(), Options{})
	require.Error(t, err)
}

type failingReasoner struct{}

func (failingReasoner) Reason(context.Context, Request) (*Classification, error) {
	return nil, errors.New("model offline")
}
func (failingReasoner) Name() string { return "failing" }
func (failingReasoner) Close() error { return nil }

func startSidecar(t *testing.T, r Reasoner) *GRPC {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterClassifierServer(srv, Serve{Reasoner: r})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPC(GRPCConfig{Address: "passthrough:///bufnet"}, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	t.Parallel()
	bank, err := questionbank.Default()
	require.NoError(t, err)
	client := startSidecar(t, NewStatic(bank))

	req := Request{
		SessionID:    "s1",
		Message:      "ok",
		CurrentStage: domain.StageIdeas,
		Locale:       "ko",
		History: []domain.HistoryMessage{
			{Role: domain.RoleUser, Content: "first"},
			{Role: domain.RoleAgent, Content: "question"},
		},
	}
	got, err := client.Reason(context.Background(), req)
	require.NoError(t, err)

	want, err := NewStatic(bank).Reason(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, want.Stage, got.Stage)
	assert.Equal(t, want.MetacogTags, got.MetacogTags)
	assert.Equal(t, want.Utterance, got.Utterance)
	assert.Equal(t, domain.DepthShallow, got.Depth)
}

func TestGRPCServerFailureIsReasoningUnavailable(t *testing.T) {
	t.Parallel()
	client := startSidecar(t, failingReasoner{})

	_, err := client.Reason(context.Background(), Request{Message: "hello"})
	require.ErrorIs(t, err, domain.ErrReasoningUnavailable)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Options{Provider: "llama"})
	require.Error(t, err)

	_, err = New(context.Background(), Options{Provider: ProviderOpenAI})
	require.Error(t, err, "api key is required")
}
