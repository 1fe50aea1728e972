package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ledgerimport/internal/models"
	"ledgerimport/pkg/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// In-memory stores backing the service under test.

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ImportSession
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*models.ImportSession)}
}

func (f *fakeSessionStore) Create(ctx context.Context, s *models.ImportSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.Steps = append([]models.ImportStep(nil), s.Steps...)
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *s
	cp.Steps = append([]models.ImportStep(nil), s.Steps...)
	return &cp, nil
}

func (f *fakeSessionStore) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.ImportSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ImportSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveSteps mirrors the guarded SQL update: a session that already left
// PROCESSING never has its step log rewritten.
func (f *fakeSessionStore) SaveSteps(ctx context.Context, id uuid.UUID, steps []models.ImportStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.Status == models.StatusProcessing {
		s.Steps = append([]models.ImportStep(nil), steps...)
	}
	return nil
}

func (f *fakeSessionStore) SetInstitution(ctx context.Context, id uuid.UUID, institution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.Status == models.StatusProcessing {
		s.Institution = &institution
	}
	return nil
}

// MarkReview and MarkFailed report false when the session already left
// PROCESSING, matching the affected-row count of the guarded update.
func (f *fakeSessionStore) MarkReview(ctx context.Context, s *models.ImportSession) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[s.ID]
	if !ok || stored.Status != models.StatusProcessing {
		return false, nil
	}
	stored.Status = models.StatusReview
	stored.ExtractedCount = s.ExtractedCount
	stored.DuplicateCount = s.DuplicateCount
	stored.AvgConfidence = s.AvgConfidence
	stored.ProcessingMS = s.ProcessingMS
	stored.Steps = append([]models.ImportStep(nil), s.Steps...)
	return true, nil
}

func (f *fakeSessionStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, steps []models.ImportStep) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[id]
	if !ok || stored.Status != models.StatusProcessing {
		return false, nil
	}
	stored.Status = models.StatusFailed
	stored.Error = &errMsg
	stored.Steps = append([]models.ImportStep(nil), steps...)
	return true, nil
}

func (f *fakeSessionStore) MarkConfirmed(ctx context.Context, id uuid.UUID, importedCount int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != models.StatusReview {
		return false, nil
	}
	s.Status = models.StatusConfirmed
	s.ImportedCount = importedCount
	return true, nil
}

func (f *fakeSessionStore) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status == models.StatusConfirmed || s.Status == models.StatusCancelled {
		return false, nil
	}
	s.Status = models.StatusCancelled
	return true, nil
}

type fakeCandidateStore struct {
	mu         sync.Mutex
	candidates map[uuid.UUID][]*models.ExtractedCandidate
}

func newFakeCandidateStore() *fakeCandidateStore {
	return &fakeCandidateStore{candidates: make(map[uuid.UUID][]*models.ExtractedCandidate)}
}

func (f *fakeCandidateStore) CreateBatch(ctx context.Context, candidates []*models.ExtractedCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range candidates {
		cp := *c
		f.candidates[c.SessionID] = append(f.candidates[c.SessionID], &cp)
	}
	return nil
}

func (f *fakeCandidateStore) ListBySessionID(ctx context.Context, sessionID uuid.UUID) ([]*models.ExtractedCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ExtractedCandidate
	for _, c := range f.candidates[sessionID] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCandidateStore) GetByIDs(ctx context.Context, sessionID uuid.UUID, ids []uuid.UUID) ([]*models.ExtractedCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []*models.ExtractedCandidate
	for _, c := range f.candidates[sessionID] {
		if wanted[c.ID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCandidateStore) SetSelected(ctx context.Context, sessionID, candidateID uuid.UUID, selected bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.candidates[sessionID] {
		if c.ID == candidateID {
			c.IsSelected = selected
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCandidateStore) DeleteBySessionID(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.candidates, sessionID)
	return nil
}

type fakeLedgerStore struct {
	mu   sync.Mutex
	rows []*models.LedgerTransaction
}

func ledgerKey(tx *models.LedgerTransaction) string {
	return fmt.Sprintf("%s|%s|%s|%s",
		tx.BankAccountID, tx.OccurredOn.Format("2006-01-02"), tx.Amount.String(), tx.Description)
}

func (f *fakeLedgerStore) ListByUserRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*models.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.LedgerTransaction
	for _, tx := range f.rows {
		if tx.UserID == userID && !tx.OccurredOn.Before(from) && !tx.OccurredOn.After(to) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedgerStore) InsertBatchSkipConflicts(ctx context.Context, txs []*models.LedgerTransaction) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := make(map[string]bool, len(f.rows))
	for _, tx := range f.rows {
		existing[ledgerKey(tx)] = true
	}
	var inserted []uuid.UUID
	for _, tx := range txs {
		key := ledgerKey(tx)
		if existing[key] {
			continue
		}
		existing[key] = true
		cp := *tx
		f.rows = append(f.rows, &cp)
		inserted = append(inserted, tx.ID)
	}
	return inserted, nil
}

type fakeAccountStore struct {
	accounts map[uuid.UUID]*models.BankAccount
}

func (f *fakeAccountStore) GetByID(ctx context.Context, id uuid.UUID) (*models.BankAccount, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	return a, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	saved   map[string][]byte
	deleted []string
	saveErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{saved: make(map[string][]byte)}
}

func (f *fakeBlobStore) Save(ctx context.Context, data []byte, fileName, mimeType string, ownerID, sessionID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	url := "/uploads/" + sessionID.String()
	f.saved[url] = data
	return url, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, url)
	f.deleted = append(f.deleted, url)
	return nil
}

type fakeAdapter struct {
	configured bool
	drafts     []CandidateDraft
	err        error
	release    chan struct{}
}

func (f *fakeAdapter) IsConfigured() bool { return f.configured }

func (f *fakeAdapter) Extract(ctx context.Context, text string, fileType models.FileType, institutionHint string) (*StructuringResult, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &StructuringResult{Transactions: f.drafts, Model: "fake-model"}, nil
}

type importHarness struct {
	svc        *ImportService
	sessions   *fakeSessionStore
	candidates *fakeCandidateStore
	ledger     *fakeLedgerStore
	accounts   *fakeAccountStore
	blobs      *fakeBlobStore
	runner     *Runner
	userID     uuid.UUID
	accountID  uuid.UUID
}

func newImportHarness(t *testing.T, adapter StructuringAdapter) *importHarness {
	t.Helper()
	logger := zap.NewNop()
	userID := uuid.New()
	accountID := uuid.New()

	h := &importHarness{
		sessions:   newFakeSessionStore(),
		candidates: newFakeCandidateStore(),
		ledger:     &fakeLedgerStore{},
		accounts: &fakeAccountStore{accounts: map[uuid.UUID]*models.BankAccount{
			accountID: {ID: accountID, UserID: userID, Name: "Checking", Currency: "USD"},
		}},
		blobs:     newFakeBlobStore(),
		runner:    NewRunner(logger),
		userID:    userID,
		accountID: accountID,
	}

	cfg := config.ImportConfig{
		MaxFileSize:             1 << 20,
		StructuringTimeout:      5 * time.Second,
		DuplicateDateWindowDays: 3,
		DuplicateSimilarity:     0.55,
	}

	h.svc = NewImportService(
		h.sessions,
		h.candidates,
		h.ledger,
		h.accounts,
		h.blobs,
		NewExtractService(logger),
		NewInstitutionDetector(logger),
		adapter,
		NewDuplicateDetector(cfg.DuplicateDateWindowDays, cfg.DuplicateSimilarity, logger),
		h.runner,
		cfg,
		logger,
	)
	return h
}

// waitPipeline blocks until all scheduled background runs finished.
func (h *importHarness) waitPipeline(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Shutdown(ctx))
}

const statementCSV = "Date,Description,Amount,Balance\n" +
	"2024-03-01,COFFEE SHOP,-4.50,995.50\n" +
	"2024-03-02,SALARY MARCH,2500.00,3495.50\n"

func draftsForCSV() []CandidateDraft {
	balance := 995.50
	return []CandidateDraft{
		{
			Date:        "2024-03-01",
			Description: "COFFEE SHOP",
			Amount:      -4.50,
			Direction:   "debit",
			Balance:     &balance,
			RawText:     "2024-03-01 | COFFEE SHOP | -4.50 | 995.50",
			Confidence:  0.9,
		},
		{
			Date:        "2024-03-02",
			Description: "SALARY MARCH",
			Amount:      2500.00,
			Direction:   "credit",
			RawText:     "2024-03-02 | SALARY MARCH | 2500.00 | 3495.50",
			Confidence:  0.8,
		},
	}
}

func TestUploadRejectsUnsupportedMedia(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true})

	_, err := h.svc.Upload(context.Background(), h.userID, "scan.png", "image/png", []byte("binary"))
	require.ErrorIs(t, err, ErrUnsupportedMedia)
	assert.Empty(t, h.sessions.sessions)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true})

	_, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", nil)
	require.ErrorIs(t, err, ErrEmptyFile)
	assert.Empty(t, h.sessions.sessions)
}

func TestUploadRejectsOversizeFile(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true})
	h.svc.cfg.MaxFileSize = 10

	_, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.Empty(t, h.sessions.sessions)
}

func TestUploadRejectsWhenAdapterUnavailable(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: false})

	_, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.Empty(t, h.sessions.sessions)
}

func TestUploadAcceptsAndRecordsUploadStep(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, session.ID)
	assert.Equal(t, models.StatusProcessing, session.Status)
	require.Len(t, session.Steps, 1)
	assert.Equal(t, StepUpload, session.Steps[0].Name)
	assert.True(t, session.Steps[0].Success)
	assert.NotNil(t, session.FileURL)

	h.waitPipeline(t)
}

func TestPipelineReachesReview(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusReview), resp.Status)
	assert.Equal(t, 2, resp.ExtractedCount)
	assert.Equal(t, 0, resp.DuplicateCount)
	assert.InDelta(t, 0.85, resp.AvgConfidence, 0.001)
	require.Len(t, resp.Candidates, 2)
	for _, c := range resp.Candidates {
		assert.True(t, c.IsSelected)
		assert.False(t, c.IsDuplicate)
	}

	names := make([]string, len(resp.Steps))
	for i, step := range resp.Steps {
		names[i] = step.Name
		assert.True(t, step.Success)
		if step.Name == StepStructure {
			assert.Equal(t, "fake-model", step.Detail)
		}
	}
	assert.Equal(t, []string{StepUpload, StepExtract, StepDetectInstitution, StepStructure, StepDetectDuplicates}, names)
}

// Full review flow: three extracted rows, one colliding with an existing
// ledger row, confirmed with only the pre-selected subset.
func TestReviewConfirmScenario(t *testing.T) {
	drafts := append(draftsForCSV(), CandidateDraft{
		Date:        "2024-03-03",
		Description: "GROCERY STORE",
		Amount:      -61.20,
		Direction:   "debit",
		RawText:     "2024-03-03 | GROCERY STORE | -61.20",
		Confidence:  0.7,
	})
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: drafts})
	h.ledger.rows = []*models.LedgerTransaction{{
		ID:            uuid.New(),
		UserID:        h.userID,
		BankAccountID: h.accountID,
		OccurredOn:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description:   "Coffee, Shop.",
		Amount:        decimal.NewFromFloat(-4.50),
		Direction:     models.DirectionDebit,
	}}

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	require.Len(t, status.Candidates, 3)
	assert.Equal(t, 1, status.DuplicateCount)

	var selectedIDs []uuid.UUID
	for _, c := range status.Candidates {
		if c.IsSelected {
			selectedIDs = append(selectedIDs, uuid.MustParse(c.ID))
		}
	}
	require.Len(t, selectedIDs, 2)

	resp, err := h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, selectedIDs)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.InsertedCount)
	assert.Len(t, h.ledger.rows, 3)
	assert.Empty(t, h.candidates.candidates[session.ID])
}

func TestPipelineFlagsDuplicatesAndUnselectsThem(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})
	h.ledger.rows = []*models.LedgerTransaction{{
		ID:            uuid.New(),
		UserID:        h.userID,
		BankAccountID: h.accountID,
		OccurredOn:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description:   "Coffee Shop",
		Amount:        decimal.NewFromFloat(-4.50),
		Direction:     models.DirectionDebit,
	}}

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.DuplicateCount)

	selected := 0
	for _, c := range resp.Candidates {
		if c.Description == "COFFEE SHOP" {
			assert.True(t, c.IsDuplicate)
			assert.False(t, c.IsSelected)
			assert.NotNil(t, c.DuplicateReason)
			assert.NotNil(t, c.DuplicateOfID)
		} else {
			assert.False(t, c.IsDuplicate)
			assert.True(t, c.IsSelected)
		}
		if c.IsSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestPipelineFailsOnUnreadableFile(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.pdf", "application/pdf", []byte("this is not a pdf"))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusFailed), resp.Status)
	require.NotNil(t, resp.Error)
	assert.Empty(t, resp.Candidates)

	last := resp.Steps[len(resp.Steps)-1]
	assert.Equal(t, StepExtract, last.Name)
	assert.False(t, last.Success)
	assert.NotEmpty(t, last.Error)
}

func TestPipelineFailsWhenStructuringErrors(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, err: errors.New("model unavailable")})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusFailed), resp.Status)

	last := resp.Steps[len(resp.Steps)-1]
	assert.Equal(t, StepStructure, last.Name)
	assert.False(t, last.Success)
}

func TestPipelineHandlesEmptyStatement(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: []CandidateDraft{}})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusReview), resp.Status)
	assert.Equal(t, 0, resp.ExtractedCount)
	assert.Empty(t, resp.Candidates)
}

func TestStatusHidesForeignSessions(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	_, err = h.svc.Status(context.Background(), uuid.New(), session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.svc.Status(context.Background(), h.userID, uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestToggleSelection(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Candidates)
	candidateID := uuid.MustParse(resp.Candidates[0].ID)

	require.NoError(t, h.svc.ToggleSelection(context.Background(), h.userID, session.ID, candidateID, false))

	resp, err = h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.False(t, resp.Candidates[0].IsSelected)

	// Unknown candidate and foreign caller produce the same not-found error
	err = h.svc.ToggleSelection(context.Background(), h.userID, session.ID, uuid.New(), true)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	err = h.svc.ToggleSelection(context.Background(), uuid.New(), session.ID, candidateID, true)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestToggleSelectionRejectedOutsideReview(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	candidateID := uuid.MustParse(resp.Candidates[0].ID)

	require.NoError(t, h.svc.Cancel(context.Background(), h.userID, session.ID))

	err = h.svc.ToggleSelection(context.Background(), h.userID, session.ID, candidateID, false)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirmCommitsSelectedCandidates(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(status.Candidates))
	for i, c := range status.Candidates {
		ids[i] = uuid.MustParse(c.ID)
	}

	resp, err := h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.InsertedCount)
	assert.Len(t, resp.TransactionIDs, 2)
	assert.Equal(t, h.accountID.String(), resp.BankAccountID)

	// Ledger rows carry provenance back to the session
	require.Len(t, h.ledger.rows, 2)
	for _, tx := range h.ledger.rows {
		require.NotNil(t, tx.SourceSessionID)
		assert.Equal(t, session.ID, *tx.SourceSessionID)
		assert.NotNil(t, tx.SourceCandidateID)
		assert.NotNil(t, tx.SourceConfidence)
	}

	// Transient state is gone, the session is terminal
	after, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusConfirmed), after.Status)
	assert.Equal(t, 2, after.ImportedCount)
	assert.Empty(t, h.candidates.candidates[session.ID])
	assert.NotEmpty(t, h.blobs.deleted)

	// Confirming twice is a state violation
	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, ids)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConfirmSkipsLedgerCollisions(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)

	// Pre-seed the ledger with a row matching the first candidate's dedup key
	first := status.Candidates[0]
	amount, err := decimal.NewFromString(first.Amount)
	require.NoError(t, err)
	date, err := time.Parse("2006-01-02", first.Date)
	require.NoError(t, err)
	h.ledger.rows = append(h.ledger.rows, &models.LedgerTransaction{
		ID:            uuid.New(),
		UserID:        h.userID,
		BankAccountID: h.accountID,
		OccurredOn:    date,
		Description:   first.Description,
		Amount:        amount,
	})

	ids := make([]uuid.UUID, len(status.Candidates))
	for i, c := range status.Candidates {
		ids[i] = uuid.MustParse(c.ID)
	}

	resp, err := h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, ids)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.InsertedCount)

	after, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusConfirmed), after.Status)
	assert.Equal(t, 1, after.ImportedCount)
}

func TestConfirmValidation(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	candidateID := uuid.MustParse(status.Candidates[0].ID)

	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, uuid.New(), []uuid.UUID{candidateID})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	// Candidates from another session resolve to nothing
	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestConfirmRejectsForeignAccount(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	otherAccount := uuid.New()
	h.accounts.accounts[otherAccount] = &models.BankAccount{
		ID: otherAccount, UserID: uuid.New(), Name: "Someone else's", Currency: "USD",
	}

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	candidateID := uuid.MustParse(status.Candidates[0].ID)

	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, otherAccount, []uuid.UUID{candidateID})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCancelDiscardsSession(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	require.NoError(t, h.svc.Cancel(context.Background(), h.userID, session.ID))

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCancelled), resp.Status)
	assert.Empty(t, h.candidates.candidates[session.ID])
	assert.NotEmpty(t, h.blobs.deleted)
	assert.Empty(t, h.ledger.rows)

	err = h.svc.Cancel(context.Background(), h.userID, session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelDuringProcessingWinsOverLateCompletion(t *testing.T) {
	adapter := &fakeAdapter{configured: true, drafts: draftsForCSV(), release: make(chan struct{})}
	h := newImportHarness(t, adapter)

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)

	// Cancel while the pipeline is blocked inside the structuring stage
	require.NoError(t, h.svc.Cancel(context.Background(), h.userID, session.ID))
	h.sessions.mu.Lock()
	stepsAtCancel := len(h.sessions.sessions[session.ID].Steps)
	h.sessions.mu.Unlock()
	close(adapter.release)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCancelled), resp.Status)

	// The late run must leave nothing behind: no candidate rows and no
	// step-log entries written after the cancellation
	assert.Empty(t, h.candidates.candidates[session.ID])
	assert.Len(t, h.sessions.sessions[session.ID].Steps, stepsAtCancel)
}

// confirmRacingStore lands a confirm between Cancel's status read and its
// guarded update, standing in for a concurrent confirm request.
type confirmRacingStore struct {
	*fakeSessionStore
}

func (s *confirmRacingStore) MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := s.fakeSessionStore.MarkConfirmed(ctx, id, 2); err != nil {
		return false, err
	}
	return s.fakeSessionStore.MarkCancelled(ctx, id)
}

func TestCancelLosesToConcurrentConfirm(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)
	h.svc.sessions = &confirmRacingStore{h.sessions}

	err = h.svc.Cancel(context.Background(), h.userID, session.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// The confirm outcome stands and the aborted cancel touched nothing
	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusConfirmed), resp.Status)
	assert.NotEmpty(t, h.candidates.candidates[session.ID])
	assert.Empty(t, h.blobs.deleted)
}

// cancelRacingStore is the mirror image: a cancel lands between Confirm's
// status read and its guarded update.
type cancelRacingStore struct {
	*fakeSessionStore
}

func (s *cancelRacingStore) MarkConfirmed(ctx context.Context, id uuid.UUID, importedCount int) (bool, error) {
	if _, err := s.fakeSessionStore.MarkCancelled(ctx, id); err != nil {
		return false, err
	}
	return s.fakeSessionStore.MarkConfirmed(ctx, id, importedCount)
}

func TestConfirmLosesToConcurrentCancel(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	h.waitPipeline(t)

	status, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, len(status.Candidates))
	for i, c := range status.Candidates {
		ids[i] = uuid.MustParse(c.ID)
	}
	h.svc.sessions = &cancelRacingStore{h.sessions}

	_, err = h.svc.Confirm(context.Background(), h.userID, session.ID, h.accountID, ids)
	assert.ErrorIs(t, err, ErrInvalidState)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusCancelled), resp.Status)
	assert.Equal(t, 0, resp.ImportedCount)
}

func TestUploadSurvivesBlobStoreFailure(t *testing.T) {
	h := newImportHarness(t, &fakeAdapter{configured: true, drafts: draftsForCSV()})
	h.blobs.saveErr = errors.New("disk full")

	session, err := h.svc.Upload(context.Background(), h.userID, "statement.csv", "text/csv", []byte(statementCSV))
	require.NoError(t, err)
	assert.Nil(t, session.FileURL)
	h.waitPipeline(t)

	resp, err := h.svc.Status(context.Background(), h.userID, session.ID)
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusReview), resp.Status)
}

func TestFileTypeFor(t *testing.T) {
	tests := []struct {
		mimeType string
		fileName string
		want     models.FileType
		ok       bool
	}{
		{"application/pdf", "statement.pdf", models.FileTypePDF, true},
		{"application/pdf; charset=binary", "statement.pdf", models.FileTypePDF, true},
		{"text/csv", "export.csv", models.FileTypeTabular, true},
		{"application/vnd.ms-excel", "export.csv", models.FileTypeTabular, true},
		{"application/octet-stream", "export.csv", models.FileTypeTabular, true},
		{"application/octet-stream", "statement.pdf", models.FileTypePDF, true},
		{"", "export.tsv", models.FileTypeTabular, true},
		{"image/png", "scan.png", "", false},
		{"application/octet-stream", "archive.zip", "", false},
	}
	for _, tt := range tests {
		got, ok := fileTypeFor(tt.mimeType, tt.fileName)
		assert.Equal(t, tt.ok, ok, "%s %s", tt.mimeType, tt.fileName)
		assert.Equal(t, tt.want, got, "%s %s", tt.mimeType, tt.fileName)
	}
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, clampConfidence(-0.5))
	assert.Equal(t, 1.0, clampConfidence(1.7))
	assert.Equal(t, 0.42, clampConfidence(0.42))
}
