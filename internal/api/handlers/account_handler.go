package handlers

import (
	"strings"
	"time"

	"ledgerimport/internal/dto"
	"ledgerimport/internal/models"
	"ledgerimport/internal/repository"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AccountHandler struct {
	accountRepo *repository.AccountRepository
	logger      *zap.Logger
}

func NewAccountHandler(accountRepo *repository.AccountRepository, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		accountRepo: accountRepo,
		logger:      logger,
	}
}

// Create godoc
// @Summary Create a bank account
// @Tags accounts
// @Accept json
// @Produce json
// @Param request body dto.CreateAccountRequest true "Account"
// @Security Bearer
// @Success 201 {object} dto.AccountResponse
// @Failure 400 {object} map[string]string
// @Router /api/v1/accounts [post]
func (h *AccountHandler) Create(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	var req dto.CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Name is required",
		})
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	account := &models.BankAccount{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      req.Name,
		Currency:  strings.ToUpper(req.Currency),
		CreatedAt: time.Now(),
	}

	if err := h.accountRepo.Create(c.Context(), account); err != nil {
		h.logger.Error("Failed to create account", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(accountToDTO(account))
}

// List godoc
// @Summary List bank accounts
// @Tags accounts
// @Produce json
// @Security Bearer
// @Success 200 {array} dto.AccountResponse
// @Router /api/v1/accounts [get]
func (h *AccountHandler) List(c *fiber.Ctx) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}

	accounts, err := h.accountRepo.ListByUserID(c.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list accounts",
		})
	}

	responses := make([]dto.AccountResponse, len(accounts))
	for i, a := range accounts {
		responses[i] = accountToDTO(a)
	}

	return c.JSON(responses)
}

func accountToDTO(a *models.BankAccount) dto.AccountResponse {
	return dto.AccountResponse{
		ID:        a.ID.String(),
		Name:      a.Name,
		Currency:  a.Currency,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}
