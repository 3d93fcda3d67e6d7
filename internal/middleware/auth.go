package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/types"
	"github.com/sirupsen/logrus"
)

// Auth guards routes with Authorizer sessions
type Auth struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// NewAuth builds the auth middleware set
func NewAuth(cfg *config.Config, logger *logrus.Logger) *Auth {
	return &Auth{cfg: cfg, logger: logger}
}

// Admin requires a franchise admin session. Admins author master menus.
func (a *Auth) Admin() fiber.Handler {
	return a.Roles("menusync.authorization.admin", "admin")
}

// User requires a branch operator session. Admins pass as well.
func (a *Auth) User() fiber.Handler {
	return a.Roles("menusync.authorization.user", "user", "admin")
}

// Roles validates the session cookie against the roles and records the actor
func (a *Auth) Roles(errorType string, roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return a.authorize(c, roles, errorType)
	}
}

// authorize performs the authorization check
func (a *Auth) authorize(c *fiber.Ctx, roles []string, errorType string) error {
	session := c.Cookies("cookie_session")
	if session == "" {
		return types.Forbidden(errorType, "Authorizer cookie \"cookie_session\" not found")
	}

	if !services.IsAuthorizerInitialized() {
		if err := services.InitAuthorizer(c.UserContext(), a.cfg, a.logger, c.Protocol(), c.Hostname()); err != nil {
			return types.Unavailable(errorType, "Authorizer unavailable: %v", err)
		}
	}

	data, err := services.ValidateSession(session, roles)
	if err != nil {
		return types.Forbidden(errorType, "Invalid session: %v", err)
	}

	if user, ok := data["user"]; ok {
		c.Locals("user", user)
		c.Locals("actor", services.ActorOf(user))
	}

	return c.Next()
}
