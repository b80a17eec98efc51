// Package oracle 基于Gemini的谈判话术生成
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"VoiceBargainer/internal/config"
	"VoiceBargainer/internal/logger"
	"VoiceBargainer/internal/model"
	"VoiceBargainer/internal/negotiation"
	"VoiceBargainer/internal/retry"
)

// Generator 文本生成接口，便于测试替换
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// genaiGenerator 使用 google.golang.org/genai 调用Gemini
type genaiGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGenaiGenerator 创建Gemini生成器
func NewGenaiGenerator(ctx context.Context, cfg config.GeminiConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &genaiGenerator{
		client: client,
		model:  cfg.Model,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(cfg.Temperature),
			MaxOutputTokens: cfg.MaxOutputTokens,
			CandidateCount:  1,
		},
	}, nil
}

func (g *genaiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), g.config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return "", model.Permanent("gemini", "generate", apiErr.Code, err)
		}
		return "", model.Transient("gemini", "generate", err)
	}
	return resp.Text(), nil
}

// GeminiOracle 实现 negotiation.Oracle
type GeminiOracle struct {
	gen     Generator
	policy  retry.Policy
	timeout time.Duration
	parser  negotiation.QuoteParser
	hub     *logger.Hub
}

// NewGeminiOracle 创建oracle
func NewGeminiOracle(gen Generator, policy retry.Policy, timeout time.Duration, minQuote int64, hub *logger.Hub) *GeminiOracle {
	return &GeminiOracle{
		gen:     gen,
		policy:  policy,
		timeout: timeout,
		parser:  negotiation.QuoteParser{MinQuote: minQuote},
		hub:     hub,
	}
}

// Advise 生成话术；模型提到的金额作为建议出价返回
func (o *GeminiOracle) Advise(ctx context.Context, req negotiation.OracleRequest) (negotiation.Advice, error) {
	prompt := BuildPrompt(req)

	text, err := retry.Value(ctx, o.policy, "gemini generate", func(ctx context.Context) (string, error) {
		if o.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		out, err := o.gen.Generate(ctx, prompt)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", model.Transient("gemini", "generate", errors.New("empty response"))
		}
		return out, nil
	})
	if err != nil {
		return negotiation.Advice{}, err
	}

	o.hub.Info("oracle", req.Session.CallID, "brain: %s", text)
	return negotiation.Advice{Utterance: text, Offer: o.parser.Parse(text)}, nil
}
