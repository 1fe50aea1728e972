package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ledgerimport/internal/models"
	"ledgerimport/pkg/config"

	"github.com/Role1776/gigago"
	"go.uber.org/zap"
)

// CandidateDraft is one transaction as returned by the structuring service,
// before normalization into an ExtractedCandidate.
type CandidateDraft struct {
	Date        string   `json:"date"`
	Description string   `json:"description"`
	Amount      float64  `json:"amount"`
	Direction   string   `json:"direction"`
	Balance     *float64 `json:"balance,omitempty"`
	RawText     string   `json:"raw_text"`
	Confidence  float64  `json:"confidence"`
	LineNumber  *int     `json:"line_number,omitempty"`
}

// StructuringResult carries the candidate list plus response metadata
// persisted onto the session step log.
type StructuringResult struct {
	Transactions []CandidateDraft
	Model        string
}

// StructuringAdapter is the external AI structuring collaborator, treated as
// an opaque black box. Zero transactions is a valid result.
type StructuringAdapter interface {
	IsConfigured() bool
	Extract(ctx context.Context, text string, fileType models.FileType, institutionHint string) (*StructuringResult, error)
}

const structuringInstruction = `You are a bank statement analyst. You convert raw statement text into structured transaction data.

Rules:
- Always answer with a single valid JSON array, no markdown fences, no commentary.
- Never invent transactions that are not present in the text.
- Amounts are signed: money leaving the account is negative, money arriving is positive.
- Dates use the YYYY-MM-DD format. If a transaction has no year, use the statement period's year.
- confidence is your certainty for that row, a number between 0 and 1.
- If the text contains no transactions, answer with an empty array: []`

// GigaChatAdapter implements StructuringAdapter against the GigaChat API.
type GigaChatAdapter struct {
	client *gigago.Client
	model  *gigago.GenerativeModel
	name   string
	logger *zap.Logger
}

// NewGigaChatAdapter dials GigaChat when an API key is configured. With no
// key it returns an unconfigured adapter so intake can reject uploads with a
// service-unavailable error instead of the process failing to start.
func NewGigaChatAdapter(ctx context.Context, cfg *config.GigaChatConfig, logger *zap.Logger) (*GigaChatAdapter, error) {
	if cfg.APIKey == "" {
		logger.Warn("GigaChat API key not set, structuring adapter is unavailable")
		return &GigaChatAdapter{logger: logger}, nil
	}

	opts := []gigago.Option{
		gigago.WithCustomScope(cfg.Scope),
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, gigago.WithCustomInsecureSkipVerify(true))
		logger.Warn("GigaChat TLS certificate verification is disabled")
	}

	client, err := gigago.NewClient(ctx, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GigaChat client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = structuringInstruction
	model.Temperature = 0.2

	return &GigaChatAdapter{
		client: client,
		model:  model,
		name:   cfg.Model,
		logger: logger,
	}, nil
}

func (a *GigaChatAdapter) IsConfigured() bool {
	return a.client != nil
}

func (a *GigaChatAdapter) Extract(ctx context.Context, text string, fileType models.FileType, institutionHint string) (*StructuringResult, error) {
	if !a.IsConfigured() {
		return nil, fmt.Errorf("structuring adapter is not configured")
	}

	prompt := buildStructuringPrompt(text, fileType, institutionHint)

	messages := []gigago.Message{
		{Role: gigago.RoleUser, Content: prompt},
	}

	resp, err := a.model.Generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from structuring service")
	}

	drafts, err := parseStructuredResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Structuring completed",
		zap.String("model", a.name),
		zap.Int("count", len(drafts)),
	)

	return &StructuringResult{
		Transactions: drafts,
		Model:        a.name,
	}, nil
}

func (a *GigaChatAdapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

func buildStructuringPrompt(text string, fileType models.FileType, institutionHint string) string {
	var b strings.Builder
	b.WriteString("Extract every transaction from this bank statement")
	if institutionHint != "" {
		b.WriteString(" issued by ")
		b.WriteString(institutionHint)
	}
	if fileType == models.FileTypeTabular {
		b.WriteString(". The text is a pipe-separated table whose first line is the header row")
	}
	b.WriteString(".\n\nStatement text:\n")
	b.WriteString(text)
	b.WriteString(`

Answer with ONLY a JSON array in this format:
[
  {
    "date": "YYYY-MM-DD",
    "description": "short transaction description",
    "amount": signed number,
    "direction": "credit" or "debit",
    "balance": running balance after the transaction, or null if not shown,
    "raw_text": "the original statement line this row came from",
    "confidence": number between 0 and 1,
    "line_number": line number within the statement, or null
  }
]

If there are no transactions, answer []`)
	return b.String()
}

// parseStructuredResponse salvages a JSON array out of the model reply, which
// may be wrapped in markdown fences or prose. A reply stating that no
// transactions were found parses as an empty list.
func parseStructuredResponse(content string) ([]CandidateDraft, error) {
	content = strings.TrimSpace(content)

	jsonStart := strings.Index(content, "[")
	jsonEnd := strings.LastIndex(content, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd < jsonStart {
		contentLower := strings.ToLower(content)
		if strings.Contains(contentLower, "no transactions") ||
			strings.Contains(contentLower, "no data") ||
			strings.Contains(contentLower, "does not contain") ||
			strings.Contains(contentLower, "empty") {
			return []CandidateDraft{}, nil
		}
		return nil, fmt.Errorf("invalid structuring response format: %s", content)
	}

	jsonStr := content[jsonStart : jsonEnd+1]

	var drafts []CandidateDraft
	if err := json.Unmarshal([]byte(jsonStr), &drafts); err != nil {
		jsonStr = strings.TrimSpace(jsonStr)
		jsonStr = strings.TrimPrefix(jsonStr, "```json")
		jsonStr = strings.TrimPrefix(jsonStr, "```")
		jsonStr = strings.TrimSuffix(jsonStr, "```")
		jsonStr = strings.TrimSpace(jsonStr)

		if err := json.Unmarshal([]byte(jsonStr), &drafts); err != nil {
			return nil, fmt.Errorf("failed to parse structuring response: %w", err)
		}
	}

	if drafts == nil {
		drafts = []CandidateDraft{}
	}
	return drafts, nil
}
