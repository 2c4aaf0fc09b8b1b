package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/jobsift/harvester/internal/fetchkit"
	"github.com/jobsift/harvester/internal/harvest"
)

const extractSystemPrompt = `You extract job postings from careers-page content.
Respond with a JSON array only, no prose. Each element:
{"external_id": string, "title": string, "location": string, "url": string, "description": string}
Use the posting URL as external_id when no stable identifier exists.
Return [] when the content contains no job postings.`

// completer abstracts the model call so extraction logic is testable
// without network access.
type completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMConfig controls AI-assisted extraction.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	MaxChars  int
}

func (c LLMConfig) withDefaults() LLMConfig {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 60000
	}
	return c
}

// claudeCompleter calls the Anthropic Messages API.
type claudeCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func newClaudeCompleter(cfg LLMConfig) *claudeCompleter {
	return &claudeCompleter{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

func (c *claudeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("messages api: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return out.String(), nil
}

// LLMStrategy fetches the page, converts it to markdown, and asks the
// model for a structured list of postings.
type LLMStrategy struct {
	cfg       LLMConfig
	env       *Env
	completer completer
	logger    *zap.Logger
}

// NewLLMStrategy creates an AI extraction executor backed by Claude.
func NewLLMStrategy(cfg LLMConfig, env *Env, logger *zap.Logger) (*LLMStrategy, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	cfg = cfg.withDefaults()
	return &LLMStrategy{
		cfg:       cfg,
		env:       env,
		completer: newClaudeCompleter(cfg),
		logger:    logger,
	}, nil
}

// Kind implements Strategy.
func (s *LLMStrategy) Kind() harvest.StrategyKind { return harvest.StrategyLLM }

// Fetch implements Strategy.
func (s *LLMStrategy) Fetch(ctx context.Context, target *harvest.Target) ([]harvest.NormalizedRecord, error) {
	resp, err := s.env.Get(ctx, target, target.URL)
	if err != nil {
		return nil, err
	}

	prompt, err := s.buildPrompt(target, resp.Body)
	if err != nil {
		return nil, err
	}

	raw, err := s.completer.Complete(ctx, extractSystemPrompt, prompt)
	if err != nil {
		return nil, &fetchkit.RetryableError{URL: target.URL, Err: err}
	}

	records, err := s.parseCompletion(target.URL, raw)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("llm extraction complete",
		zap.String("target", target.Name),
		zap.Int("records", len(records)))
	return records, nil
}

func (s *LLMStrategy) buildPrompt(target *harvest.Target, body []byte) (string, error) {
	converter := md.NewConverter(target.Origin(), true, nil)
	markdown, err := converter.ConvertString(string(body))
	if err != nil {
		return "", &fetchkit.ParseError{URL: target.URL, Err: fmt.Errorf("html to markdown: %w", err)}
	}
	if len(markdown) > s.cfg.MaxChars {
		markdown = markdown[:s.cfg.MaxChars]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Page URL: %s\n", target.URL)
	if target.Strategy.LLM != nil && target.Strategy.LLM.Hint != "" {
		fmt.Fprintf(&b, "Hint: %s\n", target.Strategy.LLM.Hint)
	}
	b.WriteString("\nPage content:\n\n")
	b.WriteString(markdown)
	return b.String(), nil
}

func (s *LLMStrategy) parseCompletion(pageURL, raw string) ([]harvest.NormalizedRecord, error) {
	cleaned := stripCodeFence(raw)

	var extracted []struct {
		ExternalID  string `json:"external_id"`
		Title       string `json:"title"`
		Location    string `json:"location"`
		URL         string `json:"url"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(cleaned), &extracted); err != nil {
		return nil, &fetchkit.ParseError{URL: pageURL, Err: fmt.Errorf("unmarshal completion: %w", err)}
	}

	records := make([]harvest.NormalizedRecord, 0, len(extracted))
	for _, e := range extracted {
		if e.Title == "" {
			continue
		}
		id := e.ExternalID
		if id == "" {
			id = e.URL
		}
		records = append(records, harvest.NormalizedRecord{
			ExternalID:  id,
			Title:       e.Title,
			Location:    e.Location,
			URL:         resolveURL(pageURL, e.URL),
			Description: e.Description,
			Strategy:    harvest.StrategyLLM,
		})
	}
	return records, nil
}

// stripCodeFence removes a leading/trailing markdown fence if the model
// wrapped its JSON despite instructions.
func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
