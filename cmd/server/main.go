// main.go
//
// Master menu version control and branch synchronization service
// Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC
//
// This file is part of menusync.
// menusync is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// menusync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with menusync.
// If not, see <https://www.gnu.org/licenses/>.
// Additional terms under GNU AGPL version 3 section 7:
// a) The reasonable legal notice of original copyright and author attribution must be preserved
//    by including the string: "Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC"
//    in this material, copies, or source code of derived works.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	swagger "github.com/gofiber/swagger"
	"github.com/localnerve/menusync/internal/app"
	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/handlers"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/middleware"

	_ "github.com/localnerve/menusync/docs/api" // Swagger docs
)

// @title menusync API
// @version 1.0.0
// @description Master menu version control and branch synchronization
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.url https://github.com/localnerve/menusync
// @contact.email info@localnerve.com

// @license.name AGPL-3.0
// @license.url https://www.gnu.org/licenses/agpl-3.0.html

// @host localhost:3000
// @BasePath /api
// @schemes http https

// @securityDefinitions.apikey CookieAuth
// @in cookie
// @name cookie_session

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateServer()
	}
	if err != nil {
		logging.New("info", "").Fatalf("Failed to load configuration: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, true)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	server := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler,
	})

	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(compress.New())

	prometheus := fiberprometheus.New("menusync")
	prometheus.RegisterAt(server, "/metrics")
	server.Use(prometheus.Middleware)

	server.Get("/swagger/*", swagger.HandlerDefault)

	health := &handlers.HealthHandler{Config: cfg, DB: a.DB, Redis: a.Redis, Logger: log}
	server.Get("/health", health.Health)

	api := server.Group("/api")
	api.Use(middleware.VersionMiddleware())

	auth := middleware.NewAuth(cfg, log)
	handlers.Mount(api,
		&handlers.MasterHandler{Menus: a.Menus, Branches: a.Branches, Reconciler: a.Reconciler},
		&handlers.BranchHandler{Branches: a.Branches, Reconciler: a.Reconciler},
		auth.Admin(), auth.User(),
	)

	// 404 handler
	server.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"status":    fiber.StatusNotFound,
			"message":   "[404] Resource Not Found",
			"ok":        false,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"url":       c.OriginalURL(),
		})
	})

	go func() {
		<-ctx.Done()
		log.Info("Gracefully shutting down...")
		if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
			logging.LogError(log, "main", "main", "shutdown failed", nil, err)
		}
	}()

	log.Infof("Starting server on port %s", cfg.Port)
	if err := server.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Info("Server stopped")
}
