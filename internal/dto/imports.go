package dto

// UploadResponse acknowledges an accepted upload before processing starts.
type UploadResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type StepResponse struct {
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CandidateResponse struct {
	ID              string  `json:"id"`
	Date            string  `json:"date"`
	Description     string  `json:"description"`
	Amount          string  `json:"amount"`
	Direction       string  `json:"direction"`
	Balance         *string `json:"balance,omitempty"`
	RawText         string  `json:"rawText"`
	Confidence      float64 `json:"confidence"`
	LineNumber      *int    `json:"lineNumber,omitempty"`
	IsDuplicate     bool    `json:"isDuplicate"`
	DuplicateReason *string `json:"duplicateReason,omitempty"`
	DuplicateOfID   *string `json:"duplicateOfId,omitempty"`
	IsSelected      bool    `json:"isSelected"`
}

type SessionResponse struct {
	SessionID      string              `json:"sessionId"`
	FileName       string              `json:"fileName"`
	FileType       string              `json:"fileType"`
	FileSize       int64               `json:"fileSize"`
	Status         string              `json:"status"`
	Institution    *string             `json:"institution,omitempty"`
	ExtractedCount int                 `json:"extractedCount"`
	DuplicateCount int                 `json:"duplicateCount"`
	ImportedCount  int                 `json:"importedCount"`
	AvgConfidence  float64             `json:"avgConfidence"`
	ProcessingMS   int64               `json:"processingMs"`
	Error          *string             `json:"error,omitempty"`
	Steps          []StepResponse      `json:"steps"`
	Candidates     []CandidateResponse `json:"candidates,omitempty"`
	CreatedAt      string              `json:"createdAt"`
}

type ToggleSelectionRequest struct {
	SessionID     string `json:"sessionId"`
	TransactionID string `json:"transactionId"`
	IsSelected    bool   `json:"isSelected"`
}

type ConfirmRequest struct {
	SessionID              string   `json:"sessionId"`
	SelectedTransactionIDs []string `json:"selectedTransactionIds"`
	BankAccountID          string   `json:"bankAccountId"`
}

type ConfirmResponse struct {
	SessionID      string   `json:"sessionId"`
	InsertedCount  int      `json:"insertedCount"`
	TransactionIDs []string `json:"transactionIds"`
	BankAccountID  string   `json:"bankAccountId"`
}
