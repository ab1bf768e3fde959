// Package executors provides Executor implementations for worker tasks.
package executors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/taskbuild"
)

// Failure kinds reported by the LLM executor.
const (
	KindRateLimited = "rate_limited"
	KindUpstream    = "upstream_error"
	KindRejected    = "rejected"
	KindEmpty       = "empty_response"
)

// SkillSource looks up skill bodies used as system prompts.
type SkillSource interface {
	Get(id string) (*skills.SkillDescriptor, bool)
}

// AnthropicConfig configures the Messages API executor.
type AnthropicConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	// MaxRetries bounds SDK retries; the per-worker timeout still applies.
	MaxRetries    int    `mapstructure:"max_retries"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// AnthropicExecutor sends each task payload as a single user message, with
// the owning skill's body as the system prompt.
type AnthropicExecutor struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	skills    SkillSource
	logger    *zap.Logger
}

// NewAnthropicExecutor builds the SDK client from cfg.
func NewAnthropicExecutor(cfg AnthropicConfig, src SkillSource, logger *zap.Logger) (*AnthropicExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicExecutor{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		skills:    src,
		logger:    logger,
	}, nil
}

// Execute implements execution.Executor.
func (e *AnthropicExecutor) Execute(ctx context.Context, task execution.TaskSpec) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task.Payload)),
		},
	}
	if system := e.systemPrompt(task); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyAPIError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", execution.NewTaskError(KindEmpty, errors.New("model returned no text"))
	}

	e.logger.Debug("Model call completed",
		zap.String("task_id", task.TaskID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return text, nil
}

func (e *AnthropicExecutor) systemPrompt(task execution.TaskSpec) string {
	if e.skills == nil {
		return ""
	}
	skill, ok := e.skills.Get(task.Metadata[taskbuild.MetaSkillID])
	if !ok {
		return ""
	}
	return strings.TrimSpace(skill.Content)
}

func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return execution.NewTaskError(KindRateLimited, err)
		case apiErr.StatusCode >= 500:
			return execution.NewTaskError(KindUpstream, err)
		default:
			return execution.NewTaskError(KindRejected, err)
		}
	}
	return execution.NewTaskError(KindUpstream, err)
}

// translateModelForBedrock converts Anthropic model names to Bedrock
// cross-region inference profiles.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	}
	if m, ok := bedrockModels[model]; ok {
		return anthropic.Model(m)
	}
	return model
}
