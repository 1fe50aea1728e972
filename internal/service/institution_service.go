package service

import (
	"strings"

	"ledgerimport/internal/models"

	"go.uber.org/zap"
)

// institutionPattern describes one bank: keywords expected inside statement
// text or file names, plus CSV header signatures specific to its exports.
type institutionPattern struct {
	name             string
	contentKeywords  []string
	filenameKeywords []string
	columnSignatures [][]string
}

var knownInstitutions = []institutionPattern{
	{
		name:             "Chase",
		contentKeywords:  []string{"jpmorgan chase", "chase.com", "chase bank"},
		filenameKeywords: []string{"chase"},
		columnSignatures: [][]string{{"details", "posting date", "description", "amount", "type", "balance"}},
	},
	{
		name:             "Bank of America",
		contentKeywords:  []string{"bank of america", "bankofamerica.com"},
		filenameKeywords: []string{"bofa", "bankofamerica"},
		columnSignatures: [][]string{{"date", "description", "amount", "running bal"}},
	},
	{
		name:             "Wells Fargo",
		contentKeywords:  []string{"wells fargo", "wellsfargo.com"},
		filenameKeywords: []string{"wellsfargo", "wells_fargo"},
	},
	{
		name:             "HSBC",
		contentKeywords:  []string{"hsbc", "hsbc.co.uk", "hsbc uk bank"},
		filenameKeywords: []string{"hsbc"},
	},
	{
		name:             "Barclays",
		contentKeywords:  []string{"barclays", "barclays.co.uk"},
		filenameKeywords: []string{"barclays"},
	},
	{
		name:             "Metro Bank",
		contentKeywords:  []string{"metro bank", "metrobankonline"},
		filenameKeywords: []string{"metro"},
	},
	{
		name:             "Monzo",
		contentKeywords:  []string{"monzo bank", "monzo.com"},
		filenameKeywords: []string{"monzo"},
		columnSignatures: [][]string{{"transaction id", "date", "time", "type", "name", "emoji", "category", "amount"}},
	},
	{
		name:             "Revolut",
		contentKeywords:  []string{"revolut", "revolut.com"},
		filenameKeywords: []string{"revolut"},
		columnSignatures: [][]string{{"type", "product", "started date", "completed date", "description", "amount"}},
	},
	{
		name:             "Capital One",
		contentKeywords:  []string{"capital one", "capitalone.com"},
		filenameKeywords: []string{"capitalone", "capital_one"},
	},
	{
		name:             "Citibank",
		contentKeywords:  []string{"citibank", "citi.com", "citigroup"},
		filenameKeywords: []string{"citi"},
	},
}

type InstitutionDetector struct {
	logger *zap.Logger
}

func NewInstitutionDetector(logger *zap.Logger) *InstitutionDetector {
	return &InstitutionDetector{logger: logger}
}

// Detect infers the issuing bank from extracted content, the original file
// name, and (for tabular files) the column signature. An unknown bank is not
// an error; the result is empty and the pipeline degrades to unguided
// structuring.
func (d *InstitutionDetector) Detect(text, fileName string, fileType models.FileType, hint *ColumnHint) string {
	content := strings.ToLower(text)
	name := strings.ToLower(fileName)

	// Column signatures are the strongest signal for tabular exports
	if fileType == models.FileTypeTabular && hint != nil {
		normalized := make([]string, len(hint.Header))
		for i, h := range hint.Header {
			normalized[i] = strings.ToLower(strings.TrimSpace(h))
		}
		for _, inst := range knownInstitutions {
			for _, sig := range inst.columnSignatures {
				if matchesSignature(normalized, sig) {
					d.logger.Info("Institution detected from column signature", zap.String("institution", inst.name))
					return inst.name
				}
			}
		}
	}

	for _, inst := range knownInstitutions {
		if containsAny(content, inst.contentKeywords) {
			d.logger.Info("Institution detected from content", zap.String("institution", inst.name))
			return inst.name
		}
	}

	for _, inst := range knownInstitutions {
		if containsAny(name, inst.filenameKeywords) {
			d.logger.Info("Institution detected from file name", zap.String("institution", inst.name))
			return inst.name
		}
	}

	d.logger.Info("Institution could not be detected", zap.String("file_name", fileName))
	return ""
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

// matchesSignature requires every signature column to appear in the header,
// in order, allowing extra columns in between.
func matchesSignature(header, signature []string) bool {
	if len(signature) == 0 {
		return false
	}
	i := 0
	for _, col := range header {
		if i < len(signature) && strings.Contains(col, signature[i]) {
			i++
		}
	}
	return i == len(signature)
}
