package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/store"
	"github.com/localnerve/menusync/internal/testutil"
	"github.com/localnerve/menusync/internal/types"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()
	st := store.NewGormStore(testutil.OpenDB(t, store.Migrate), store.DefaultOptions())
	rec := reconcile.New(st, nil, nil, nil, reconcile.Options{DefaultPolicy: policy.Default()})
	branches := services.NewBranchService(st, nil, nil)

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	pass := func(c *fiber.Ctx) error {
		c.Locals("actor", "tester@example.com")
		return c.Next()
	}
	Mount(app.Group("/api"),
		&MasterHandler{Menus: services.NewMenuService(st, nil), Branches: branches, Reconciler: rec},
		&BranchHandler{Branches: branches, Reconciler: rec},
		pass, pass,
	)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, url string, body any) (int, map[string]any) {
	t.Helper()
	code, raw := doRaw(t, app, method, url, body)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("Failed to decode %s %s response %q: %v", method, url, raw, err)
		}
	}
	return code, out
}

func doRaw(t *testing.T, app *fiber.App, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

// createMaster creates a master menu with one category and two items at version 1
func createMaster(t *testing.T, app *fiber.App) uint64 {
	t.Helper()
	code, body := doJSON(t, app, http.MethodPost, "/api/masters", map[string]any{
		"franchise_id": "franchise-1",
		"name":         "main",
	})
	if code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %v", code, body)
	}
	mm := body["master_menu"].(map[string]any)
	id := uint64(mm["id"].(float64))

	code, body = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/versions", id), map[string]any{
		"change_type": "edit",
		"changes": []map[string]any{
			{"kind": "category_added", "category": map[string]any{"id": "drinks", "name": "Drinks", "sort_order": 1}},
			{"kind": "item_added", "item": map[string]any{"id": "latte", "category_id": "drinks", "name": "Latte", "price": "4.50", "available": true}},
			{"kind": "item_added", "item": map[string]any{"id": "mocha", "category_id": "drinks", "name": "Mocha", "price": "5.00", "available": true}},
		},
	})
	if code != http.StatusOK || body["newVersion"] != "1" {
		t.Fatalf("Expected version 1, got %d: %v", code, body)
	}
	return id
}

func subscribe(t *testing.T, app *fiber.App, masterID uint64, location string) uint64 {
	t.Helper()
	code, raw := doRaw(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/branches", masterID), map[string]any{
		"location_id": location,
	})
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", code, raw)
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || len(out) != 1 {
		t.Fatalf("Unexpected subscribe response %s: %v", raw, err)
	}
	return uint64(out[0]["id"].(float64))
}

func TestCommitAndVersionConflict(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)

	code, body := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/versions", id), map[string]any{
		"change_type":      "price_change",
		"expected_version": "0",
		"changes": []map[string]any{
			{"kind": "item_field_changed", "item_id": "latte", "field": "price", "old_value": "4.50", "new_value": "4.75"},
		},
	})
	if code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %v", code, body)
	}
	if body["versionError"] != true {
		t.Errorf("Expected versionError, got %v", body)
	}

	code, body = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/versions", id), map[string]any{
		"change_type":      "price_change",
		"expected_version": 1,
		"changes": []map[string]any{
			{"kind": "item_field_changed", "item_id": "latte", "field": "price", "old_value": "4.50", "new_value": "4.75"},
		},
	})
	if code != http.StatusOK || body["newVersion"] != "2" {
		t.Fatalf("Expected version 2, got %d: %v", code, body)
	}
}

func TestCommitValidation(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)

	code, _ := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/versions", id), map[string]any{
		"change_type": "edit",
		"changes":     []map[string]any{},
	})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty change set, got %d", code)
	}

	code, _ = doJSON(t, app, http.MethodPost, "/api/masters/abc/versions", map[string]any{"change_type": "edit"})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad id, got %d", code)
	}

	code, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/versions", id), map[string]any{
		"change_type": "edit",
		"changes": []map[string]any{
			{"kind": "item_removed", "item_id": "missing"},
		},
	})
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for a stale change, got %d", code)
	}

	code, _ = doJSON(t, app, http.MethodGet, "/api/masters/999", nil)
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing master menu, got %d", code)
	}
}

func TestStateAndHistory(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)

	code, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/state?version=0", id), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, body)
	}
	if body["version"] != "0" {
		t.Errorf("Expected version 0, got %v", body["version"])
	}

	code, _ = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/state?version=9", id), nil)
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a future version, got %d", code)
	}

	code, raw := doRaw(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/versions", id), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	var versions []VersionView
	if err := json.Unmarshal(raw, &versions); err != nil {
		t.Fatalf("Failed to decode versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != types.Version(1) || len(versions[0].Changes) != 3 {
		t.Errorf("Unexpected history %s", raw)
	}
}

func TestCommitStateAndRevert(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)

	_, body := doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/state", id), nil)
	state := body["state"].(map[string]any)
	items := state["items"].(map[string]any)
	delete(items, "mocha")

	code, body := doJSON(t, app, http.MethodPut, fmt.Sprintf("/api/masters/%d/state", id), map[string]any{
		"state":            state,
		"expected_version": 1,
	})
	if code != http.StatusOK || body["newVersion"] != "2" {
		t.Fatalf("Expected version 2, got %d: %v", code, body)
	}

	code, _ = doJSON(t, app, http.MethodPut, fmt.Sprintf("/api/masters/%d/state", id), map[string]any{"state": state})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unchanged state, got %d", code)
	}

	code, body = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/masters/%d/revert", id), map[string]any{"to_version": 1})
	if code != http.StatusOK || body["newVersion"] != "3" {
		t.Fatalf("Expected version 3, got %d: %v", code, body)
	}

	_, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/state", id), nil)
	items = body["state"].(map[string]any)["items"].(map[string]any)
	if _, ok := items["mocha"]; !ok {
		t.Errorf("Expected the revert to restore mocha, got %v", items)
	}
}

func TestPolicyProblemsReported(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)

	code, body := doJSON(t, app, http.MethodPut, fmt.Sprintf("/api/masters/%d/policy", id), map[string]any{
		"change_types": map[string]string{"item_added": "sometimes"},
		"fields":       map[string]string{"colour": "auto"},
	})
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, body)
	}
	problems, _ := body["problems"].([]any)
	if len(problems) != 2 {
		t.Errorf("Expected 2 problems, got %v", body["problems"])
	}

	code, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/masters/%d/policy", id), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if problems, _ := body["problems"].([]any); len(problems) != 2 {
		t.Errorf("Expected the stored policy to report 2 problems, got %v", body["problems"])
	}
}

func TestReconcileFlow(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)
	branch := subscribe(t, app, id, "store-1")

	code, body := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/branches/%d/reconcile", branch), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, body)
	}
	if body["status"] != "success" || body["to_version"] != float64(1) {
		t.Errorf("Unexpected run log %v", body)
	}
	if body["summary"] == "" {
		t.Errorf("Expected a rendered summary")
	}

	code, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/branches/%d/status", branch), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if body["synced_version"] != float64(1) || body["versions_behind"] != float64(0) {
		t.Errorf("Unexpected status %v", body)
	}

	code, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/branches/%d/menu", branch), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if items := body["items"].(map[string]any); len(items) != 2 {
		t.Errorf("Expected 2 branch items, got %v", items)
	}

	code, raw := doRaw(t, app, http.MethodGet, fmt.Sprintf("/api/branches/%d/logs", branch), nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	var logs []map[string]any
	if err := json.Unmarshal(raw, &logs); err != nil || len(logs) != 1 {
		t.Errorf("Expected one log, got %s", raw)
	}

	code, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/branches/%d/reconcile", branch), map[string]any{"mode": "sideways"})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown mode, got %d", code)
	}

	code, _ = doJSON(t, app, http.MethodPost, "/api/branches/999/reconcile", nil)
	if code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing branch, got %d", code)
	}
}

func TestDisabledBranchConflict(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)
	branch := subscribe(t, app, id, "store-1")

	code, _ := doRaw(t, app, http.MethodPut, fmt.Sprintf("/api/branches/%d/mode", branch), map[string]any{"sync_mode": "disabled"})
	if code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	code, _ = doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/branches/%d/reconcile", branch), nil)
	if code != http.StatusConflict {
		t.Errorf("Expected 409 for a disabled branch, got %d", code)
	}
	code, body := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/branches/%d/reconcile", branch), map[string]any{"mode": "forced"})
	if code != http.StatusOK {
		t.Errorf("Expected a forced run to succeed, got %d: %v", code, body)
	}
}

func TestOverrideRoutes(t *testing.T) {
	app := setupTestApp(t)
	id := createMaster(t, app)
	branch := subscribe(t, app, id, "store-1")
	if code, _ := doJSON(t, app, http.MethodPost, fmt.Sprintf("/api/branches/%d/reconcile", branch), nil); code != http.StatusOK {
		t.Fatalf("initial reconcile failed: %d", code)
	}

	url := fmt.Sprintf("/api/branches/%d/overrides/latte", branch)
	code, body := doJSON(t, app, http.MethodPut, url, map[string]any{"field": "price", "value": "3.99", "lock": true})
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, body)
	}
	if body["price_locked"] != true {
		t.Errorf("Expected price lock, got %v", body)
	}

	code, _ = doJSON(t, app, http.MethodPut, url, map[string]any{"field": "price"})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 without value or lock, got %d", code)
	}
	code, _ = doJSON(t, app, http.MethodPut, url, map[string]any{"field": "name", "lock": true})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 locking a name, got %d", code)
	}
	code, _ = doJSON(t, app, http.MethodPut, url, map[string]any{"field": "price", "value": true})
	if code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a mistyped value, got %d", code)
	}

	_, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/branches/%d/overrides", branch), nil)
	if _, ok := body["latte"]; !ok {
		t.Errorf("Expected the latte override, got %v", body)
	}

	code, _ = doRaw(t, app, http.MethodDelete, url+"/price", nil)
	if code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", code)
	}
	_, body = doJSON(t, app, http.MethodGet, fmt.Sprintf("/api/branches/%d/menu", branch), nil)
	latte := body["items"].(map[string]any)["latte"].(map[string]any)
	if latte["price"] != "4.5" {
		t.Errorf("Expected the master price back, got %v", latte["price"])
	}

	code, _ = doRaw(t, app, http.MethodDelete, fmt.Sprintf("/api/branches/%d/overrides/ghost", branch), nil)
	if code != http.StatusNoContent {
		t.Errorf("Expected 204 resetting an item without override, got %d", code)
	}
}

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/custom", func(c *fiber.Ctx) error {
		return &types.CustomError{Code: fiber.StatusForbidden, Message: "nope", Type: "menusync.authorization.admin"}
	})
	app.Get("/unavailable", func(c *fiber.Ctx) error {
		return types.Unavailable("menusync.authorization.user", "authorizer down")
	})
	app.Get("/version", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "E_VERSION master moved")
	})

	code, body := doJSON(t, app, http.MethodGet, "/custom", nil)
	if code != fiber.StatusForbidden || body["type"] != "menusync.authorization.admin" {
		t.Errorf("Unexpected custom error response %d %v", code, body)
	}
	code, body = doJSON(t, app, http.MethodGet, "/unavailable", nil)
	if code != fiber.StatusServiceUnavailable || body["retryable"] != true {
		t.Errorf("Unexpected unavailable response %d %v", code, body)
	}
	code, body = doJSON(t, app, http.MethodGet, "/version", nil)
	if code != fiber.StatusConflict || body["versionError"] != true {
		t.Errorf("Unexpected version error response %d %v", code, body)
	}
}

func TestHealth(t *testing.T) {
	app := fiber.New()
	h := &HealthHandler{Config: &config.Config{DBType: "sqlite-pure"}, DB: testutil.OpenDB(t, nil)}
	app.Get("/health", h.Health)

	code, body := doJSON(t, app, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", code, body)
	}
	if body["status"] != "healthy" || body["database"] != "ok" {
		t.Errorf("Unexpected health %v", body)
	}
	if _, ok := body["redis"]; ok {
		t.Errorf("Expected no redis entry without a redis client, got %v", body["redis"])
	}
}
