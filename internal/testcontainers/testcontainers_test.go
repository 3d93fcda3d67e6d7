package testcontainers

import (
	"strings"
	"testing"

	"github.com/localnerve/menusync/data"
)

func TestExcludeComment(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"SELECT 1 -- trailing", "SELECT 1 "},
		{"SELECT '--not a comment' -- one", "SELECT '--not a comment' "},
		{`SELECT "a--b"`, `SELECT "a--b"`},
		{"-- whole line", ""},
	}
	for _, tt := range tests {
		if got := excludeComment(tt.line); got != tt.want {
			t.Errorf("excludeComment(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (
  id INT -- key
);
INSERT INTO a VALUES (1);
`
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("Expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a (") || strings.Contains(stmts[0], "key") {
		t.Errorf("Unexpected first statement %q", stmts[0])
	}
	if stmts[1] != "INSERT INTO a VALUES (1)" {
		t.Errorf("Unexpected second statement %q", stmts[1])
	}
}

func TestEmbeddedInitScriptsSplit(t *testing.T) {
	tables := splitStatements(data.InitdbMySQLTables)
	if len(tables) < 8 {
		t.Fatalf("Expected the database and seven tables, got %d statements", len(tables))
	}
	if tables[0] != "CREATE DATABASE IF NOT EXISTS menusync" {
		t.Errorf("Unexpected first statement %q", tables[0])
	}

	for _, s := range splitStatements(data.InitdbMySQLPrivileges) {
		if !strings.HasPrefix(s, "GRANT") && !strings.HasPrefix(s, "FLUSH") {
			t.Errorf("Unexpected privileges statement %q", s)
		}
	}
}
