package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"waveforge/internal/types"
)

// GenAI is the reference Generator backed by Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string

	// Per-million-token prices used to derive cost_usd from usage.
	inPricePerM  float64
	outPricePerM float64
}

// GenAIConfig configures the Gemini adapter.
type GenAIConfig struct {
	APIKey        string
	Model         string  // default gemini-2.0-flash
	InPricePerM   float64 // USD per 1M input tokens
	OutPricePerM  float64 // USD per 1M output tokens
}

// NewGenAI creates the Gemini-backed generator.
func NewGenAI(ctx context.Context, cfg GenAIConfig) (*GenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAI{
		client:       client,
		model:        cfg.Model,
		inPricePerM:  cfg.InPricePerM,
		outPricePerM: cfg.OutPricePerM,
	}, nil
}

// Invoke implements Generator.
func (g *GenAI) Invoke(ctx context.Context, req Request) (Response, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	model := req.Model
	if model == "" {
		model = g.model
	}
	temp := float32(req.Temperature)
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: &temp,
	})
	if err != nil {
		return Response{}, classifyGenAIError(err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, types.NewError(types.KindGeneratorRefusal, "empty completion from %s", model)
	}

	var usage Usage
	if result.UsageMetadata != nil {
		usage.InTokens = int(result.UsageMetadata.PromptTokenCount)
		usage.OutTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	cost := float64(usage.InTokens)/1e6*g.inPricePerM + float64(usage.OutTokens)/1e6*g.outPricePerM
	return Response{Text: text, Usage: usage, CostUSD: cost}, nil
}

func classifyGenAIError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.WrapError(types.KindTimeout, err, "generation timed out")
	case errors.Is(err, context.Canceled):
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timeout"):
		return types.WrapError(types.KindTimeout, err, "generation timed out")
	case strings.Contains(msg, "safety"), strings.Contains(msg, "blocked"), strings.Contains(msg, "refus"):
		return types.WrapError(types.KindGeneratorRefusal, err, "generation refused")
	default:
		return types.WrapError(types.KindTransport, err, "generation transport failure")
	}
}
