package services

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       string            `json:"status"`
	Database     string            `json:"database"`
	Redis        string            `json:"redis,omitempty"`
	Authorizer   string            `json:"authorizer,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	ErrorMessage string            `json:"error,omitempty"`
}

func (r *HealthCheckResult) fail(component, message string, err error) {
	r.Status = "unhealthy"
	r.Details[component+"_error"] = err.Error()
	if r.ErrorMessage == "" {
		r.ErrorMessage = fmt.Sprintf("%s: %v", message, err)
	} else {
		r.ErrorMessage += fmt.Sprintf("; %s: %v", message, err)
	}
}

// HealthCheck checks the database and, when configured, the lock store and the authorizer
func HealthCheck(ctx context.Context, cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) HealthCheckResult {
	if logger == nil {
		logger = logging.Discard()
	}
	result := HealthCheckResult{
		Status:  "healthy",
		Details: make(map[string]string),
	}

	sqlDB, err := db.DB()
	if err != nil {
		result.Database = "error"
		result.fail("database", "Database connection error", err)
	} else if err := sqlDB.PingContext(ctx); err != nil {
		result.Database = "unreachable"
		result.fail("database", "Database ping failed", err)
	} else {
		result.Database = "ok"
		result.Details["database_type"] = cfg.DBType
		result.Details["database_name"] = cfg.DBDatabase
	}

	if rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			result.Redis = "unreachable"
			result.fail("redis", "Redis ping failed", err)
		} else {
			result.Redis = "ok"
			result.Details["redis_address"] = cfg.RedisAddress
		}
	}

	if cfg.AuthzURL != "" {
		if err := pingAuthorizer(ctx, cfg); err != nil {
			result.Authorizer = "unreachable"
			result.fail("authorizer", "Authorizer ping failed", err)
		} else {
			result.Authorizer = "ok"
			result.Details["authorizer_url"] = cfg.AuthzURL
		}
	}

	if result.Status == "healthy" {
		logger.Debug("health check passed")
	} else {
		logger.WithField("details", result.Details).Warn("health check failed")
	}
	return result
}

// pingAuthorizer dials the authorizer so a dead one fails fast instead of on
// the first session check
func pingAuthorizer(ctx context.Context, cfg *config.Config) error {
	if err := pingService(ctx, cfg.AuthzURL, cfg.AuthzPingTimeout()); err != nil {
		return fmt.Errorf("authorizer ping failed: %w", err)
	}
	return nil
}

// pingService opens and closes a TCP connection to the host of serviceURL
func pingService(ctx context.Context, serviceURL string, timeout time.Duration) error {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", serviceURL, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid URL %q: no host", serviceURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return err
	}
	return conn.Close()
}
