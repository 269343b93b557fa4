package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/laurentialabs/registre/internal/config"
	"github.com/laurentialabs/registre/internal/ratelimit"
)

// OpenAIModel is a Model backed by an OpenAI-compatible chat endpoint.
type OpenAIModel struct {
	name    string
	model   string
	client  openai.Client
	limiter *ratelimit.Limiter
}

// NewOpenAIModel builds a model client from configuration. limiter may be
// nil (tests); production always passes the shared limiter.
func NewOpenAIModel(cfg config.ModelConfig, limiter *ratelimit.Limiter) *OpenAIModel {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIModel{
		name:    cfg.Model,
		model:   cfg.Model,
		client:  openai.NewClient(opts...),
		limiter: limiter,
	}
}

// Name returns the model identifier.
func (m *OpenAIModel) Name() string { return m.name }

// Complete runs one vision call under the shared budget.
func (m *OpenAIModel) Complete(ctx context.Context, req Request) (*Response, error) {
	var permit *ratelimit.Permit
	if m.limiter != nil {
		var err error
		permit, err = m.limiter.Acquire(ctx, EstimateTokens(req))
		if err != nil {
			return nil, fmt.Errorf("rate limit acquire: %w", err)
		}
	}

	resp, err := m.complete(ctx, req)

	if m.limiter != nil {
		if resp != nil {
			m.limiter.Release(ctx, permit, resp.TotalTokens)
		} else {
			// The call never produced usage; return the reservation so a
			// failed call does not eat the window's budget.
			m.limiter.Cancel(ctx, permit)
		}
	}
	return resp, err
}

func (m *OpenAIModel) complete(ctx context.Context, req Request) (*Response, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(req.Prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var completion *openai.ChatCompletion
	err := retry.Do(
		func() error {
			var err error
			completion, err = m.client.Chat.Completions.New(ctx, params)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("vision call to %s failed: %w", m.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("vision call to %s returned no choices", m.name)
	}

	return &Response{
		Text:        completion.Choices[0].Message.Content,
		TotalTokens: int(completion.Usage.TotalTokens),
	}, nil
}

// Verify interface compliance
var _ Model = (*OpenAIModel)(nil)
