package handlers

import (
	"errors"
	"io"

	"ledgerimport/internal/dto"
	"ledgerimport/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ImportHandler struct {
	importService *service.ImportService
	logger        *zap.Logger
}

func NewImportHandler(importService *service.ImportService, logger *zap.Logger) *ImportHandler {
	return &ImportHandler{
		importService: importService,
		logger:        logger,
	}
}

// Upload godoc
// @Summary Upload a bank statement
// @Description Accepts a PDF or CSV statement and starts background processing
// @Tags import
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Statement file (PDF or CSV)"
// @Security Bearer
// @Success 202 {object} dto.UploadResponse
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/import/upload [post]
func (h *ImportHandler) Upload(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "File is required",
		})
	}

	src, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to open file",
		})
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read file",
		})
	}

	session, err := h.importService.Upload(c.Context(), userID, file.Filename, file.Header.Get("Content-Type"), data)
	if err != nil {
		return h.uploadError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(dto.UploadResponse{
		SessionID: session.ID.String(),
		Status:    string(session.Status),
	})
}

func (h *ImportHandler) uploadError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrUnsupportedMedia), errors.Is(err, service.ErrEmptyFile):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrAdapterUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		h.logger.Error("Failed to accept upload", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to accept upload"})
	}
}

// Status godoc
// @Summary Get import session status
// @Description Returns the session's step log, counts and, once in review, the candidate list
// @Tags import
// @Produce json
// @Param sessionId path string true "Session ID"
// @Security Bearer
// @Success 200 {object} dto.SessionResponse
// @Failure 404 {object} map[string]string
// @Router /api/v1/import/status/{sessionId} [get]
func (h *ImportHandler) Status(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	sessionID, err := uuid.Parse(c.Params("sessionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	resp, err := h.importService.Status(c.Context(), userID, sessionID)
	if err != nil {
		return h.sessionError(c, err, "Failed to fetch session status")
	}

	return c.JSON(resp)
}

// ListSessions godoc
// @Summary List import sessions
// @Tags import
// @Produce json
// @Param limit query int false "Limit" default(10)
// @Param offset query int false "Offset" default(0)
// @Security Bearer
// @Success 200 {array} dto.SessionResponse
// @Router /api/v1/import/sessions [get]
func (h *ImportHandler) ListSessions(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	limit := c.QueryInt("limit", 10)
	offset := c.QueryInt("offset", 0)

	sessions, err := h.importService.ListSessions(c.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	return c.JSON(sessions)
}

// ToggleSelection godoc
// @Summary Toggle a candidate's selection
// @Description Marks one extracted candidate as selected or unselected while the session is in review
// @Tags import
// @Accept json
// @Produce json
// @Param request body dto.ToggleSelectionRequest true "Toggle request"
// @Security Bearer
// @Success 200 {object} map[string]bool
// @Failure 404 {object} map[string]string
// @Router /api/v1/import/confirm/selection [patch]
func (h *ImportHandler) ToggleSelection(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.ToggleSelectionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}
	candidateID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid transaction ID",
		})
	}

	if err := h.importService.ToggleSelection(c.Context(), userID, sessionID, candidateID, req.IsSelected); err != nil {
		return h.sessionError(c, err, "Failed to toggle selection")
	}

	return c.JSON(fiber.Map{"isSelected": req.IsSelected})
}

// Confirm godoc
// @Summary Confirm an import session
// @Description Commits the selected candidates into the ledger and cleans up transient data
// @Tags import
// @Accept json
// @Produce json
// @Param request body dto.ConfirmRequest true "Confirm request"
// @Security Bearer
// @Success 200 {object} dto.ConfirmResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/import/confirm [post]
func (h *ImportHandler) Confirm(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}
	accountID, err := uuid.Parse(req.BankAccountID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid bank account ID",
		})
	}

	candidateIDs := make([]uuid.UUID, 0, len(req.SelectedTransactionIDs))
	for _, raw := range req.SelectedTransactionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid transaction ID: " + raw,
			})
		}
		candidateIDs = append(candidateIDs, id)
	}

	resp, err := h.importService.Confirm(c.Context(), userID, sessionID, accountID, candidateIDs)
	if err != nil {
		return h.sessionError(c, err, "Failed to confirm import")
	}

	return c.JSON(resp)
}

// Cancel godoc
// @Summary Cancel an import session
// @Description Discards the session's candidates and raw file without committing
// @Tags import
// @Produce json
// @Param sessionId path string true "Session ID"
// @Security Bearer
// @Success 200 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /api/v1/import/confirm/{sessionId} [delete]
func (h *ImportHandler) Cancel(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	sessionID, err := uuid.Parse(c.Params("sessionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid session ID",
		})
	}

	if err := h.importService.Cancel(c.Context(), userID, sessionID); err != nil {
		return h.sessionError(c, err, "Failed to cancel session")
	}

	return c.JSON(fiber.Map{"status": "cancelled"})
}

func (h *ImportHandler) sessionError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNoCandidates):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		h.logger.Error(fallback, zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fallback})
	}
}

func getUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userIDStr, ok := c.Locals("userID").(string)
	if !ok {
		return uuid.Nil, fiber.ErrUnauthorized
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, err
	}

	return userID, nil
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Unauthorized",
	})
}
