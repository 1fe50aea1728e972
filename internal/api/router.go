package api

import (
	"os"

	"ledgerimport/internal/api/handlers"
	"ledgerimport/pkg/auth"
	"ledgerimport/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func SetupRouter(
	authHandler *handlers.AuthHandler,
	importHandler *handlers.ImportHandler,
	accountHandler *handlers.AccountHandler,
	jwtManager *auth.JWTManager,
	uploadDir string,
	appLogger *zap.Logger,
) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	app.Use(logger.New())

	// Stored statement files
	if _, err := os.Stat(uploadDir); err == nil {
		app.Static("/uploads", uploadDir)
	} else {
		appLogger.Warn("Upload directory not found, raw files will not be served", zap.String("dir", uploadDir))
	}

	// Auth routes (public)
	user := app.Group("/user")
	authGroup := user.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.RefreshToken)

	// Protected routes
	protected := app.Group("/api/v1", middleware.AuthMiddleware(jwtManager, appLogger))

	imports := protected.Group("/import")
	imports.Post("/upload", importHandler.Upload)
	imports.Get("/sessions", importHandler.ListSessions)
	imports.Get("/status/:sessionId", importHandler.Status)
	imports.Patch("/confirm/selection", importHandler.ToggleSelection)
	imports.Post("/confirm", importHandler.Confirm)
	imports.Delete("/confirm/:sessionId", importHandler.Cancel)

	accounts := protected.Group("/accounts")
	accounts.Post("", accountHandler.Create)
	accounts.Get("", accountHandler.List)

	return app
}
