package executor

import (
	"context"
	"net/http"
	"os"

	"github.com/ignatij/agentflow/pkg/artifact"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

const systemPrompt = "You are a work unit inside an automated workflow. " +
	"Complete the task using the provided context and reply with the deliverable only."

// OpenAIConfig configures the chat-completion adapter. It also talks to any
// OpenAI-compatible server via BaseURL.
type OpenAIConfig struct {
	APIKey          string
	Model           string  // default when the unit has no override
	BaseURL         string  // empty uses the public API
	MaxOutputTokens int     // zero lets the server decide
	RPS             float64 // client-side request rate, zero disables limiting
	Burst           int
}

// OpenAIConfigFromEnv reads OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL.
func OpenAIConfigFromEnv() OpenAIConfig {
	return OpenAIConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	}
}

// OpenAI executes units against a chat-completion API.
type OpenAI struct {
	client          *openai.Client
	model           string
	maxOutputTokens int
	limiter         *rate.Limiter
}

// NewOpenAI validates the config and builds the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, NewError(models.ConfigurationErrorKind, errors.New("OPENAI_API_KEY is not set"))
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &OpenAI{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           model,
		maxOutputTokens: cfg.MaxOutputTokens,
		limiter:         limiter,
	}, nil
}

func (o *OpenAI) Execute(ctx context.Context, unit *models.WorkUnit, prompt string) (*Result, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := unit.Model
	if model == "" {
		model = o.model
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if o.maxOutputTokens > 0 {
		req.MaxCompletionTokens = o.maxOutputTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, NewError(models.ExecutorErrorKind, errors.New("no choices in response"))
	}

	output := resp.Choices[0].Message.Content
	result := &Result{
		Output:       output,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}
	// compatible servers do not always report usage
	if result.InputTokens == 0 {
		result.InputTokens = artifact.EstimateTokens(prompt)
	}
	if result.OutputTokens == 0 {
		result.OutputTokens = artifact.EstimateTokens(output)
	}
	return result, nil
}

// wrapOpenAIError maps transport failures to failure kinds. Context expiry
// passes through untouched so timeout classification sees the sentinel.
func wrapOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return NewError(models.RateLimitErrorKind, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return NewError(models.ConfigurationErrorKind, err)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return NewError(models.TimeoutErrorKind, err)
		}
	}
	return NewError(models.ExecutorErrorKind, err)
}
