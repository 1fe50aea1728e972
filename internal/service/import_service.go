package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"ledgerimport/internal/dto"
	"ledgerimport/internal/models"
	"ledgerimport/internal/storage"
	"ledgerimport/pkg/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Stage names appended to the session step log, in pipeline order.
const (
	StepUpload            = "upload"
	StepExtract           = "extract"
	StepDetectInstitution = "detect_institution"
	StepStructure         = "structure"
	StepDetectDuplicates  = "detect_duplicates"
)

// SessionStore persists import sessions.
type SessionStore interface {
	Create(ctx context.Context, s *models.ImportSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.ImportSession, error)
	SaveSteps(ctx context.Context, id uuid.UUID, steps []models.ImportStep) error
	SetInstitution(ctx context.Context, id uuid.UUID, institution string) error
	MarkReview(ctx context.Context, s *models.ImportSession) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, steps []models.ImportStep) (bool, error)
	MarkConfirmed(ctx context.Context, id uuid.UUID, importedCount int) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)
}

// CandidateStore persists extracted transaction candidates.
type CandidateStore interface {
	CreateBatch(ctx context.Context, candidates []*models.ExtractedCandidate) error
	ListBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.ExtractedCandidate, error)
	GetByIDs(ctx context.Context, sessionID uuid.UUID, ids []uuid.UUID) ([]*models.ExtractedCandidate, error)
	SetSelected(ctx context.Context, sessionID, candidateID uuid.UUID, selected bool) (bool, error)
	DeleteBySessionID(ctx context.Context, sessionID uuid.UUID) error
}

// LedgerStore reads existing transactions for duplicate comparison and
// appends confirmed rows with insert-or-skip semantics.
type LedgerStore interface {
	ListByUserRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*models.LedgerTransaction, error)
	InsertBatchSkipConflicts(ctx context.Context, txs []*models.LedgerTransaction) ([]uuid.UUID, error)
}

// AccountStore resolves destination bank accounts.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BankAccount, error)
}

// ImportService owns the ImportSession lifecycle: intake, the background
// processing pipeline, review edits, confirmation and cancellation.
type ImportService struct {
	sessions     SessionStore
	candidates   CandidateStore
	ledger       LedgerStore
	accounts     AccountStore
	blobs        storage.Store
	extractor    *ExtractService
	institutions *InstitutionDetector
	adapter      StructuringAdapter
	duplicates   *DuplicateDetector
	runner       *Runner
	cfg          config.ImportConfig
	logger       *zap.Logger
}

func NewImportService(
	sessions SessionStore,
	candidates CandidateStore,
	ledger LedgerStore,
	accounts AccountStore,
	blobs storage.Store,
	extractor *ExtractService,
	institutions *InstitutionDetector,
	adapter StructuringAdapter,
	duplicates *DuplicateDetector,
	runner *Runner,
	cfg config.ImportConfig,
	logger *zap.Logger,
) *ImportService {
	return &ImportService{
		sessions:     sessions,
		candidates:   candidates,
		ledger:       ledger,
		accounts:     accounts,
		blobs:        blobs,
		extractor:    extractor,
		institutions: institutions,
		adapter:      adapter,
		duplicates:   duplicates,
		runner:       runner,
		cfg:          cfg,
		logger:       logger,
	}
}

// Upload validates the payload, stores the raw file, creates a PROCESSING
// session and schedules the background pipeline run. It returns as soon as
// the session row is durable; the caller polls for progress.
func (s *ImportService) Upload(ctx context.Context, userID uuid.UUID, fileName, mimeType string, data []byte) (*models.ImportSession, error) {
	fileType, ok := fileTypeFor(mimeType, fileName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mimeType)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(data), s.cfg.MaxFileSize)
	}
	if !s.adapter.IsConfigured() {
		return nil, ErrAdapterUnavailable
	}

	now := time.Now()
	session := &models.ImportSession{
		ID:        uuid.New(),
		UserID:    userID,
		FileName:  fileName,
		FileType:  fileType,
		FileSize:  int64(len(data)),
		Status:    models.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Best-effort: a failed store only disables later re-inspection of the
	// raw file, it does not abort the import.
	if url, err := s.blobs.Save(ctx, data, fileName, mimeType, userID, session.ID); err != nil {
		s.logger.Warn("Failed to store raw file",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
	} else {
		session.FileURL = &url
	}

	session.Steps = append(session.Steps, models.ImportStep{
		Name:      StepUpload,
		Timestamp: now,
		Success:   true,
	})

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create import session: %w", err)
	}

	s.runner.Go("import-pipeline:"+session.ID.String(), func(ctx context.Context) {
		s.runPipeline(ctx, session, data)
	})

	s.logger.Info("Import session accepted",
		zap.String("session_id", session.ID.String()),
		zap.String("file_type", string(fileType)),
		zap.Int64("file_size", session.FileSize),
	)

	return session, nil
}

// runPipeline executes the four processing stages strictly in order. Each
// stage's step-log entry is persisted before the next stage starts. Any
// stage failure terminates the run and moves the session to FAILED; results
// of earlier stages stay visible for diagnosis.
func (s *ImportService) runPipeline(ctx context.Context, session *models.ImportSession, data []byte) {
	start := time.Now()

	extracted, err := s.extractor.Extract(data, session.FileType)
	if err := s.recordStep(ctx, session, StepExtract, err); err != nil {
		s.fail(ctx, session, StepExtract, err)
		return
	}

	institution := s.institutions.Detect(extracted.Text, session.FileName, session.FileType, extracted.ColumnHint)
	if institution != "" {
		session.Institution = &institution
		// Persisted immediately so it survives later stage failures
		if err := s.sessions.SetInstitution(ctx, session.ID, institution); err != nil {
			s.logger.Warn("Failed to persist institution", zap.Error(err))
		}
	}
	if err := s.recordStep(ctx, session, StepDetectInstitution, nil); err != nil {
		s.fail(ctx, session, StepDetectInstitution, err)
		return
	}

	structCtx, cancel := context.WithTimeout(ctx, s.cfg.StructuringTimeout)
	result, err := s.adapter.Extract(structCtx, extracted.Text, session.FileType, institution)
	cancel()
	detail := ""
	if result != nil {
		detail = result.Model
	}
	if err := s.recordStepDetail(ctx, session, StepStructure, detail, err); err != nil {
		s.fail(ctx, session, StepStructure, err)
		return
	}

	candidates := s.buildCandidates(session, result.Transactions)

	flagged := 0
	if len(candidates) > 0 {
		existing, err := s.fetchComparisonSet(ctx, session.UserID, candidates)
		if err == nil {
			flagged = s.duplicates.Annotate(candidates, existing)
		}
		for _, c := range candidates {
			// Likely duplicates start unselected, everything else selected
			c.IsSelected = !c.IsDuplicate
		}
		if err == nil {
			err = s.candidates.CreateBatch(ctx, candidates)
		}
		if stepErr := s.recordStep(ctx, session, StepDetectDuplicates, err); stepErr != nil {
			s.fail(ctx, session, StepDetectDuplicates, stepErr)
			return
		}
	} else {
		if err := s.recordStep(ctx, session, StepDetectDuplicates, nil); err != nil {
			s.fail(ctx, session, StepDetectDuplicates, err)
			return
		}
	}

	session.ExtractedCount = len(candidates)
	session.DuplicateCount = flagged
	session.AvgConfidence = averageConfidence(candidates)
	session.ProcessingMS = time.Since(start).Milliseconds()

	updated, err := s.sessions.MarkReview(ctx, session)
	if err != nil {
		s.logger.Error("Failed to mark session for review",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
		return
	}
	if !updated {
		// The session left PROCESSING while the pipeline ran (user
		// cancellation); a terminal session keeps no transient rows.
		s.discardRunResults(ctx, session)
		return
	}

	s.logger.Info("Import pipeline completed",
		zap.String("session_id", session.ID.String()),
		zap.Int("candidates", session.ExtractedCount),
		zap.Int("duplicates", session.DuplicateCount),
		zap.Int64("processing_ms", session.ProcessingMS),
	)
}

// recordStep appends a step-log entry and persists the log. The stage error,
// if any, is returned so the caller terminates the run; a persist failure is
// treated the same way because the next stage must not start before the
// entry is durable.
func (s *ImportService) recordStep(ctx context.Context, session *models.ImportSession, name string, stageErr error) error {
	return s.recordStepDetail(ctx, session, name, "", stageErr)
}

func (s *ImportService) recordStepDetail(ctx context.Context, session *models.ImportSession, name, detail string, stageErr error) error {
	step := models.ImportStep{
		Name:      name,
		Timestamp: time.Now(),
		Success:   stageErr == nil,
		Detail:    detail,
	}
	if stageErr != nil {
		step.Error = stageErr.Error()
	}
	session.Steps = append(session.Steps, step)

	if err := s.sessions.SaveSteps(ctx, session.ID, session.Steps); err != nil {
		return fmt.Errorf("failed to persist step log: %w", err)
	}
	return stageErr
}

func (s *ImportService) fail(ctx context.Context, session *models.ImportSession, stage string, err error) {
	msg := fmt.Sprintf("%s stage failed: %v", stage, err)
	s.logger.Error("Import pipeline failed",
		zap.String("session_id", session.ID.String()),
		zap.String("stage", stage),
		zap.Error(err),
	)
	updated, markErr := s.sessions.MarkFailed(ctx, session.ID, msg, session.Steps)
	if markErr != nil {
		s.logger.Error("Failed to mark session failed",
			zap.String("session_id", session.ID.String()),
			zap.Error(markErr),
		)
		return
	}
	if !updated {
		s.discardRunResults(ctx, session)
	}
}

// discardRunResults deletes candidate rows written by a pipeline run that
// lost the race with a user cancellation.
func (s *ImportService) discardRunResults(ctx context.Context, session *models.ImportSession) {
	s.logger.Info("Session left processing before the pipeline finished, discarding run results",
		zap.String("session_id", session.ID.String()),
	)
	if err := s.candidates.DeleteBySessionID(ctx, session.ID); err != nil {
		s.logger.Warn("Failed to delete candidates for terminal session",
			zap.String("session_id", session.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *ImportService) buildCandidates(session *models.ImportSession, drafts []CandidateDraft) []*models.ExtractedCandidate {
	now := time.Now()
	candidates := make([]*models.ExtractedCandidate, 0, len(drafts))
	for _, draft := range drafts {
		c := &models.ExtractedCandidate{
			ID:          uuid.New(),
			SessionID:   session.ID,
			Description: sanitizeUTF8(draft.Description),
			Amount:      decimal.NewFromFloat(draft.Amount),
			RawText:     sanitizeUTF8(draft.RawText),
			Confidence:  clampConfidence(draft.Confidence),
			LineNumber:  draft.LineNumber,
			CreatedAt:   now,
		}

		if date, err := time.Parse("2006-01-02", draft.Date); err == nil {
			c.OccurredOn = date
		} else {
			c.OccurredOn = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		}

		switch strings.ToLower(draft.Direction) {
		case "credit":
			c.Direction = models.DirectionCredit
		case "debit":
			c.Direction = models.DirectionDebit
		default:
			if draft.Amount < 0 {
				c.Direction = models.DirectionDebit
			} else {
				c.Direction = models.DirectionCredit
			}
		}

		if draft.Balance != nil {
			b := decimal.NewFromFloat(*draft.Balance)
			c.Balance = &b
		}

		candidates = append(candidates, c)
	}
	return candidates
}

// fetchComparisonSet loads the user's ledger rows around the candidates'
// date range, padded by the duplicate window.
func (s *ImportService) fetchComparisonSet(ctx context.Context, userID uuid.UUID, candidates []*models.ExtractedCandidate) ([]*models.LedgerTransaction, error) {
	from := candidates[0].OccurredOn
	to := candidates[0].OccurredOn
	for _, c := range candidates[1:] {
		if c.OccurredOn.Before(from) {
			from = c.OccurredOn
		}
		if c.OccurredOn.After(to) {
			to = c.OccurredOn
		}
	}
	pad := time.Duration(s.cfg.DuplicateDateWindowDays) * 24 * time.Hour
	return s.ledger.ListByUserRange(ctx, userID, from.Add(-pad), to.Add(pad))
}

// Status returns the session's latest durable state, including the candidate
// list once the session reached REVIEW.
func (s *ImportService) Status(ctx context.Context, userID, sessionID uuid.UUID) (*dto.SessionResponse, error) {
	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	resp := sessionToDTO(session)
	if session.Status == models.StatusReview {
		candidates, err := s.candidates.ListBySessionID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load candidates: %w", err)
		}
		resp.Candidates = candidatesToDTO(candidates)
	}

	return resp, nil
}

// ListSessions returns the caller's sessions newest-first.
func (s *ImportService) ListSessions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*dto.SessionResponse, error) {
	sessions, err := s.sessions.ListByUserID(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	responses := make([]*dto.SessionResponse, len(sessions))
	for i, session := range sessions {
		responses[i] = sessionToDTO(session)
	}
	return responses, nil
}

// ToggleSelection flips one candidate's selection flag. A session that is
// not in REVIEW, not owned by the caller, or simply absent all produce the
// same not-found error so nothing about other users' sessions leaks.
func (s *ImportService) ToggleSelection(ctx context.Context, userID, sessionID, candidateID uuid.UUID, isSelected bool) error {
	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.StatusReview {
		return ErrSessionNotFound
	}

	updated, err := s.candidates.SetSelected(ctx, sessionID, candidateID, isSelected)
	if err != nil {
		return fmt.Errorf("failed to update selection: %w", err)
	}
	if !updated {
		return ErrSessionNotFound
	}
	return nil
}

// Confirm commits the selected candidates into the ledger. Rows colliding
// with existing data on the dedup key are silently skipped; the returned
// inserted count may therefore be lower than requested.
func (s *ImportService) Confirm(ctx context.Context, userID, sessionID, accountID uuid.UUID, candidateIDs []uuid.UUID) (*dto.ConfirmResponse, error) {
	if len(candidateIDs) == 0 {
		return nil, ErrNoCandidates
	}

	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusReview {
		return nil, ErrInvalidState
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil || account.UserID != userID {
		return nil, ErrAccountNotFound
	}

	candidates, err := s.candidates.GetByIDs(ctx, sessionID, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) != len(candidateIDs) {
		s.logger.Warn("Some requested candidates did not resolve",
			zap.String("session_id", sessionID.String()),
			zap.Int("requested", len(candidateIDs)),
			zap.Int("resolved", len(candidates)),
		)
	}

	now := time.Now()
	txs := make([]*models.LedgerTransaction, len(candidates))
	for i, c := range candidates {
		candidateID := c.ID
		sessionRef := sessionID
		confidence := c.Confidence
		rawText := c.RawText
		txs[i] = &models.LedgerTransaction{
			ID:                uuid.New(),
			UserID:            userID,
			BankAccountID:     accountID,
			OccurredOn:        c.OccurredOn,
			Description:       c.Description,
			Amount:            c.Amount,
			Direction:         c.Direction,
			SourceSessionID:   &sessionRef,
			SourceCandidateID: &candidateID,
			SourceConfidence:  &confidence,
			SourceRawText:     &rawText,
			CreatedAt:         now,
		}
	}

	insertedIDs, err := s.ledger.InsertBatchSkipConflicts(ctx, txs)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger transactions: %w", err)
	}
	if len(insertedIDs) < len(txs) {
		s.logger.Info("Some rows collided with existing ledger data and were skipped",
			zap.String("session_id", sessionID.String()),
			zap.Int("requested", len(txs)),
			zap.Int("inserted", len(insertedIDs)),
		)
	}

	confirmed, err := s.sessions.MarkConfirmed(ctx, sessionID, len(insertedIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to confirm session: %w", err)
	}
	if !confirmed {
		// Lost the state race to a concurrent confirm or cancel; the insert
		// above is idempotent under the dedup key.
		return nil, ErrInvalidState
	}

	if err := s.candidates.DeleteBySessionID(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to delete candidates after confirm",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}

	s.cleanupRawFile(ctx, session)

	ids := make([]string, len(insertedIDs))
	for i, id := range insertedIDs {
		ids[i] = id.String()
	}

	return &dto.ConfirmResponse{
		SessionID:      sessionID.String(),
		InsertedCount:  len(insertedIDs),
		TransactionIDs: ids,
		BankAccountID:  accountID.String(),
	}, nil
}

// Cancel discards a session's transient data without committing. Already
// confirmed or cancelled sessions are rejected so callers can detect
// double-submission; the status precondition lives in the guarded update, so
// overlapping confirm and cancel requests cannot both win.
func (s *ImportService) Cancel(ctx context.Context, userID, sessionID uuid.UUID) error {
	session, err := s.getOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	cancelled, err := s.sessions.MarkCancelled(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	if !cancelled {
		return ErrInvalidState
	}

	if err := s.candidates.DeleteBySessionID(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to delete candidates after cancel",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}

	s.cleanupRawFile(ctx, session)

	s.logger.Info("Import session cancelled", zap.String("session_id", sessionID.String()))
	return nil
}

// cleanupRawFile is a compensating action: a failed blob delete is logged
// with a cleanup tag and never surfaced to the caller.
func (s *ImportService) cleanupRawFile(ctx context.Context, session *models.ImportSession) {
	if session.FileURL == nil {
		return
	}
	if err := s.blobs.Delete(ctx, *session.FileURL); err != nil {
		s.logger.Warn("Failed to delete raw file",
			zap.String("cleanup", "raw_file"),
			zap.String("session_id", session.ID.String()),
			zap.String("url", *session.FileURL),
			zap.Error(err),
		)
	}
}

func (s *ImportService) getOwnedSession(ctx context.Context, userID, sessionID uuid.UUID) (*models.ImportSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func fileTypeFor(mimeType, fileName string) (models.FileType, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0])) {
	case "application/pdf":
		return models.FileTypePDF, true
	case "text/csv", "application/csv", "application/vnd.ms-excel":
		return models.FileTypeTabular, true
	case "text/plain", "application/octet-stream", "":
		// Some browsers send generic types; fall back to the extension
		switch strings.ToLower(filepath.Ext(fileName)) {
		case ".pdf":
			return models.FileTypePDF, true
		case ".csv", ".tsv":
			return models.FileTypeTabular, true
		}
	}
	return "", false
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func averageConfidence(candidates []*models.ExtractedCandidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candidates {
		sum += c.Confidence
	}
	return sum / float64(len(candidates))
}

func sessionToDTO(s *models.ImportSession) *dto.SessionResponse {
	steps := make([]dto.StepResponse, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = dto.StepResponse{
			Name:      step.Name,
			Timestamp: step.Timestamp.Format(time.RFC3339),
			Success:   step.Success,
			Detail:    step.Detail,
			Error:     step.Error,
		}
	}

	return &dto.SessionResponse{
		SessionID:      s.ID.String(),
		FileName:       s.FileName,
		FileType:       string(s.FileType),
		FileSize:       s.FileSize,
		Status:         string(s.Status),
		Institution:    s.Institution,
		ExtractedCount: s.ExtractedCount,
		DuplicateCount: s.DuplicateCount,
		ImportedCount:  s.ImportedCount,
		AvgConfidence:  s.AvgConfidence,
		ProcessingMS:   s.ProcessingMS,
		Error:          s.Error,
		Steps:          steps,
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
	}
}

func candidatesToDTO(candidates []*models.ExtractedCandidate) []dto.CandidateResponse {
	responses := make([]dto.CandidateResponse, len(candidates))
	for i, c := range candidates {
		resp := dto.CandidateResponse{
			ID:              c.ID.String(),
			Date:            c.OccurredOn.Format("2006-01-02"),
			Description:     c.Description,
			Amount:          c.Amount.String(),
			Direction:       string(c.Direction),
			RawText:         c.RawText,
			Confidence:      c.Confidence,
			LineNumber:      c.LineNumber,
			IsDuplicate:     c.IsDuplicate,
			DuplicateReason: c.DuplicateReason,
			IsSelected:      c.IsSelected,
		}
		if c.Balance != nil {
			b := c.Balance.String()
			resp.Balance = &b
		}
		if c.DuplicateOfID != nil {
			id := c.DuplicateOfID.String()
			resp.DuplicateOfID = &id
		}
		responses[i] = resp
	}
	return responses
}
