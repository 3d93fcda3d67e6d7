// Package testcontainers starts the database, lock store and authorizer the
// integration tests and the cmd/testcontainers executable run against.
// Expects environment variables to be loaded from .env files.
package testcontainers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/localnerve/menusync/data"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainers holds the started containers and the addresses a menusync
// process on the host uses to reach them.
type TestContainers struct {
	Network             *testcontainers.DockerNetwork
	DBContainer         testcontainers.Container
	RedisContainer      *tcredis.RedisContainer
	AuthorizerContainer testcontainers.Container

	DBHost       string
	DBPort       string
	RedisAddress string
	AuthzURL     string
}

// Env is the environment a menusync process needs to use the containers
func (tc *TestContainers) Env() map[string]string {
	env := map[string]string{
		"DB_TYPE":       getEnv("DB_TYPE", "mysql"),
		"DB_HOST":       tc.DBHost,
		"DB_PORT":       tc.DBPort,
		"DB_DATABASE":   "menusync",
		"DB_USER":       getEnv("DB_USER", "menusync"),
		"DB_PASSWORD":   getEnv("DB_PASSWORD", "menusync"),
		"REDIS_ADDRESS": tc.RedisAddress,
	}
	if tc.AuthzURL != "" {
		env["AUTHZ_URL"] = tc.AuthzURL
		env["AUTHZ_CLIENT_ID"] = os.Getenv("AUTHZ_CLIENT_ID")
	}
	return env
}

// Terminate stops every started container
func (tc *TestContainers) Terminate(t *testing.T) {
	ctx := context.Background()
	if tc.AuthorizerContainer != nil {
		if err := tc.AuthorizerContainer.Terminate(ctx); err != nil {
			logMessage(t, "Failed to terminate Authorizer: %v", err)
		}
	}
	if tc.RedisContainer != nil {
		if err := tc.RedisContainer.Terminate(ctx); err != nil {
			logMessage(t, "Failed to terminate Redis: %v", err)
		}
	}
	if tc.DBContainer != nil {
		if err := tc.DBContainer.Terminate(ctx); err != nil {
			logMessage(t, "Failed to terminate Database: %v", err)
		}
	}
	if tc.Network != nil {
		if err := tc.Network.Remove(ctx); err != nil {
			logMessage(t, "Failed to remove network: %v", err)
		}
	}
}

// CreateAllTestContainers starts MySQL or MariaDB with the menusync schema and
// service user, Redis, and the authorizer when AUTHZ_IMAGE is set. A nil t
// reports to stdout and exits on failure.
func CreateAllTestContainers(t *testing.T) (*TestContainers, error) {
	ctx := context.Background()
	tc := &TestContainers{}

	nw, err := network.New(ctx)
	if err != nil {
		return nil, exitWithError(t, err, "Failed to create network")
	}
	tc.Network = nw
	networkName := nw.Name

	// Database
	dbType := getEnv("DB_TYPE", "mysql")
	dbNetworkName := "db"
	tcpDBPort, err := nat.NewPort("tcp", "3306")
	if err != nil {
		tc.Terminate(t)
		return nil, exitWithError(t, err, "Failed to create DB port")
	}
	dbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        getEnv("DB_IMAGE", "mariadb:11"),
			ExposedPorts: []string{string(tcpDBPort)},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD":   getEnv("DB_ROOT_PASSWORD", "root"),
				"MARIADB_ROOT_PASSWORD": getEnv("DB_ROOT_PASSWORD", "root"),
			},
			WaitingFor: wait.ForListeningPort(tcpDBPort).WithStartupTimeout(60 * time.Second),
			Networks:   []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {dbNetworkName},
			},
		},
		Started: true,
	})
	if err != nil {
		tc.Terminate(t)
		return nil, exitWithError(t, err, "Failed to start Database")
	}
	tc.DBContainer = dbContainer

	dbHost, _ := dbContainer.Host(ctx)
	dbPort, _ := dbContainer.MappedPort(ctx, tcpDBPort)
	tc.DBHost, tc.DBPort = dbHost, dbPort.Port()
	switch dbType {
	case "mysql", "mariadb":
		if err := performMySQLDBInit(dbHost, dbPort); err != nil {
			tc.Terminate(t)
			return nil, exitWithError(t, err, "Failed to initialize database")
		}
	default:
		tc.Terminate(t)
		return nil, exitWithError(t, fmt.Errorf("DB_TYPE %s", dbType), "Unsupported container database")
	}
	logMessage(t, "DB_HOST=%s DB_PORT=%s", tc.DBHost, tc.DBPort)

	// Redis
	redisContainer, err := tcredis.Run(ctx, getEnv("REDIS_IMAGE", "redis:7-alpine"),
		network.WithNetwork([]string{"redis"}, nw),
	)
	if err != nil {
		tc.Terminate(t)
		return nil, exitWithError(t, err, "Failed to start Redis")
	}
	tc.RedisContainer = redisContainer
	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379/tcp")
	tc.RedisAddress = fmt.Sprintf("%s:%s", redisHost, redisPort.Port())
	logMessage(t, "REDIS_ADDRESS=%s", tc.RedisAddress)

	// Authorizer
	if image := os.Getenv("AUTHZ_IMAGE"); image != "" {
		if err := startAuthorizer(ctx, tc, image, networkName, dbNetworkName); err != nil {
			tc.Terminate(t)
			return nil, exitWithError(t, err, "Failed to start Authorizer")
		}
		logMessage(t, "AUTHZ_URL=%s", tc.AuthzURL)
	}

	logMessage(t, "menusync testcontainers started successfully")
	return tc, nil
}

func startAuthorizer(ctx context.Context, tc *TestContainers, image, networkName, dbNetworkName string) error {
	authzPort := getEnv("AUTHZ_PORT", "8080")
	tcpAuthzPort, err := nat.NewPort("tcp", authzPort)
	if err != nil {
		return err
	}
	authzDatabase := getEnv("AUTHZ_DATABASE", "authorizer")
	authzDBConnection := fmt.Sprintf("root:%s@tcp(%s:3306)/%s", getEnv("DB_ROOT_PASSWORD", "root"), dbNetworkName, authzDatabase)
	authzLogLevel := "info"
	if os.Getenv("DEBUG_CONTAINER") == "true" {
		authzLogLevel = "debug"
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{string(tcpAuthzPort)},
			Env: map[string]string{
				"ENV":           "production",
				"CLIENT_ID":     os.Getenv("AUTHZ_CLIENT_ID"),
				"PORT":          authzPort,
				"DATABASE_TYPE": getEnv("DB_TYPE", "mysql"),
				"DATABASE_NAME": authzDatabase,
				"DATABASE_URL":  authzDBConnection,
				"ADMIN_SECRET":  os.Getenv("AUTHZ_ADMIN_SECRET"),
				"ROLES":         "admin,user",
				"DEFAULT_ROLES": "user",
				"LOG_LEVEL":     authzLogLevel,
			},
			WaitingFor: wait.ForLog("Authorizer running at PORT:").WithStartupTimeout(30 * time.Second),
			Networks:   []string{networkName},
			NetworkAliases: map[string][]string{
				networkName: {"authorizer"},
			},
		},
		Started: true,
	})
	if err != nil {
		return err
	}
	tc.AuthorizerContainer = c

	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, tcpAuthzPort)
	tc.AuthzURL = fmt.Sprintf("http://%s:%s", host, port.Port())
	return nil
}

func performMySQLDBInit(dbHost string, dbPort nat.Port) error {
	db, err := sql.Open("mysql", fmt.Sprintf("root:%s@tcp(%s:%s)/", getEnv("DB_ROOT_PASSWORD", "root"), dbHost, dbPort.Port()))
	if err != nil {
		return fmt.Errorf("failed to connect for setup: %w", err)
	}
	defer db.Close()

	// the port listens before the server accepts logins
	for i := 0; i < 30; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("database not ready after 30 seconds: %w", err)
	}

	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", getEnv("AUTHZ_DATABASE", "authorizer")),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", getEnv("DB_USER", "menusync"), getEnv("DB_PASSWORD", "menusync")),
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("%w: when executing > %s", err, s)
		}
	}
	if err := executeSQL(db, data.InitdbMySQLTables); err != nil {
		return fmt.Errorf("tables init sql: %w", err)
	}
	if err := executeSQL(db, data.InitdbMySQLPrivileges); err != nil {
		return fmt.Errorf("privileges init sql: %w", err)
	}
	return nil
}

// executeSQL runs a script of semicolon terminated statements
func executeSQL(db *sql.DB, script string) error {
	for _, q := range splitStatements(script) {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("%s : when executing > %s", err.Error(), q)
		}
	}
	return nil
}

// splitStatements drops -- comments outside quotes and splits on semicolons.
// Statements are rejoined with spaces so line breaks inside them survive.
func splitStatements(script string) []string {
	var lines []string
	for _, l := range strings.Split(script, "\n") {
		lines = append(lines, excludeComment(l))
	}

	var out []string
	for _, q := range strings.Split(strings.Join(lines, " "), ";") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func excludeComment(line string) string {
	var kept strings.Builder
	var quote rune
	rs := []rune(line)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			return kept.String()
		}
		kept.WriteRune(r)
	}
	return kept.String()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func exitWithError(t *testing.T, err error, msg string) error {
	if t != nil {
		t.Fatalf(msg+": %v", err)
	}
	fmt.Printf(msg+": %v\n", err)
	os.Exit(1)
	return err
}

func logMessage(t *testing.T, format string, args ...any) {
	if t != nil {
		t.Logf(format, args...)
	} else {
		fmt.Printf(format+"\n", args...)
	}
}
