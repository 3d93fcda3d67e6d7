package services

import (
	"context"
	"fmt"
	"sync"

	authorizer "github.com/localnerve/authorizer-go"
	"github.com/localnerve/menusync/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	authClient *authorizer.AuthorizerClient
	authMu     sync.RWMutex
)

// IsAuthorizerInitialized returns true if the Authorizer client is initialized
func IsAuthorizerInitialized() bool {
	authMu.RLock()
	defer authMu.RUnlock()
	return authClient != nil
}

// InitAuthorizer initializes the Authorizer client once. A failed attempt is
// retried by the next caller.
func InitAuthorizer(ctx context.Context, cfg *config.Config, logger *logrus.Logger, requestProtocol, requestHost string) error {
	authMu.Lock()
	defer authMu.Unlock()
	if authClient != nil {
		return nil
	}

	if err := pingAuthorizer(ctx, cfg); err != nil {
		return err
	}

	redirectURL := fmt.Sprintf("%s://%s", requestProtocol, requestHost)
	logger.WithFields(logrus.Fields{
		"authorizer_url": cfg.AuthzURL,
		"client_id":      cfg.AuthzClientID,
		"redirect_url":   redirectURL,
	}).Info("initializing authorizer")

	client, err := authorizer.NewAuthorizerClient(cfg.AuthzClientID, cfg.AuthzURL, redirectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create authorizer client: %w", err)
	}
	authClient = client
	return nil
}

// ValidateSession validates a session cookie for the given roles
func ValidateSession(cookie string, roles []string) (map[string]interface{}, error) {
	authMu.RLock()
	client := authClient
	authMu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("authorizer client not initialized")
	}

	rolesPtrs := make([]*string, len(roles))
	for i := range roles {
		rolesPtrs[i] = &roles[i]
	}

	res, err := client.ValidateSession(&authorizer.ValidateSessionInput{
		Cookie: cookie,
		Roles:  rolesPtrs,
	})
	if err != nil {
		return nil, fmt.Errorf("session validation failed: %w", err)
	}
	if res == nil || !res.IsValid {
		return nil, fmt.Errorf("session is not valid")
	}

	return map[string]interface{}{
		"is_valid": res.IsValid,
		"user":     res.User,
	}, nil
}

// ActorOf returns a printable identity for the user stored by the auth middleware
func ActorOf(user interface{}) string {
	switch u := user.(type) {
	case nil:
		return ""
	case *authorizer.User:
		if u == nil {
			return ""
		}
		if u.Email != "" {
			return u.Email
		}
		return u.ID
	case string:
		return u
	}
	return fmt.Sprintf("%v", user)
}
