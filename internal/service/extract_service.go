package service

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode"

	"ledgerimport/internal/models"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
)

// ColumnHint maps statement columns in a tabular file to their meaning.
// Index -1 means the column was not identified.
type ColumnHint struct {
	Header     []string
	DateCol    int
	DescCol    int
	AmountCol  int
	BalanceCol int
}

// ExtractResult is the normalized output of the raw extraction stage: a text
// block suitable for the structuring stage plus, for tabular input, a
// column-mapping hint.
type ExtractResult struct {
	Text       string
	ColumnHint *ColumnHint
}

type ExtractService struct {
	logger *zap.Logger
}

func NewExtractService(logger *zap.Logger) *ExtractService {
	return &ExtractService{logger: logger}
}

// Extract turns the raw file bytes into normalized text. Any parse error
// aborts the pipeline run; no partial output is returned.
func (s *ExtractService) Extract(data []byte, fileType models.FileType) (*ExtractResult, error) {
	switch fileType {
	case models.FileTypePDF:
		text, err := s.extractPDF(data)
		if err != nil {
			return nil, err
		}
		return &ExtractResult{Text: text}, nil
	case models.FileTypeTabular:
		return s.extractTabular(data)
	default:
		return nil, fmt.Errorf("unsupported file type: %q", fileType)
	}
}

// extractPDF reads linear text content page by page, reconstructing rows.
// The library panics on some malformed files, so the whole call is guarded.
func (s *ExtractService) extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("PDF library crashed: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return "", fmt.Errorf("PDF has no pages")
	}

	var pages []string
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			s.logger.Warn("Failed to extract text from page",
				zap.Int("page", i),
				zap.Error(err),
			)
			continue
		}
		var lines []string
		for _, row := range rows {
			var parts []string
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			line := strings.TrimSpace(strings.Join(parts, " "))
			if line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
		}
	}

	combined := strings.TrimSpace(strings.Join(pages, "\n\n"))
	if combined == "" {
		return "", fmt.Errorf("no text found in PDF")
	}
	if !isReadableText(combined) {
		return "", fmt.Errorf("PDF text could not be decoded into readable content; the file may be image-based or use custom font encodings")
	}

	s.logger.Info("PDF text extracted",
		zap.Int("pages", numPages),
		zap.Int("text_length", len(combined)),
	)

	return combined, nil
}

// extractTabular parses a CSV payload into a header row plus data rows and
// renders them as pipe-separated text for the structuring stage.
func (s *ExtractService) extractTabular(data []byte) (*ExtractResult, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("CSV file contains no rows")
	}

	header := records[0]
	hint := mapColumns(header)

	var b strings.Builder
	for i, record := range records {
		for j, field := range record {
			if j > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(strings.TrimSpace(field))
		}
		if i < len(records)-1 {
			b.WriteByte('\n')
		}
	}

	s.logger.Info("Tabular content extracted",
		zap.Int("rows", len(records)-1),
		zap.Int("columns", len(header)),
	)

	return &ExtractResult{
		Text:       b.String(),
		ColumnHint: hint,
	}, nil
}

// mapColumns identifies common statement columns by fuzzy header names.
func mapColumns(header []string) *ColumnHint {
	hint := &ColumnHint{
		Header:     header,
		DateCol:    -1,
		DescCol:    -1,
		AmountCol:  -1,
		BalanceCol: -1,
	}

	for i, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		switch {
		case hint.DateCol == -1 && strings.Contains(n, "date"):
			hint.DateCol = i
		case hint.DescCol == -1 && (strings.Contains(n, "desc") || strings.Contains(n, "detail") || strings.Contains(n, "narrative") || strings.Contains(n, "memo") || strings.Contains(n, "payee")):
			hint.DescCol = i
		case hint.BalanceCol == -1 && strings.Contains(n, "balance"):
			hint.BalanceCol = i
		case hint.AmountCol == -1 && (strings.Contains(n, "amount") || n == "value" || strings.Contains(n, "debit") || strings.Contains(n, "credit")):
			hint.AmountCol = i
		}
	}

	return hint
}

// isReadableText checks the extracted text is not binary garbage: more than
// 60% of the characters must be plain ASCII letters, digits, whitespace or
// common statement punctuation.
func isReadableText(text string) bool {
	if len(text) <= 50 {
		return false
	}
	total := 0
	readable := 0
	for _, r := range text {
		total++
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || unicode.IsSpace(r) ||
			strings.ContainsRune(".,-/:;()'\"£$€%&@#!?+=*", r) {
			readable++
		}
	}
	return total > 0 && float64(readable)/float64(total) > 0.6
}
