package rpc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sasd/internal/security"
	"sasd/internal/storage"
	"sasd/pkg/logx"
)

var testSecParams = security.Params{Time: 1, Memory: 8 * 1024, Threads: 1, SaltLen: 16, KeyLen: 32}

type hookLog struct {
	mu       sync.Mutex
	changed  []int64
	removing []int64
	tz       []string
	sender   int
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		RuleChanged: func(_ context.Context, id int64) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.changed = append(h.changed, id)
			return nil
		},
		RuleRemoving: func(_ context.Context, id int64) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.removing = append(h.removing, id)
		},
		TimezoneChanged: func(_ context.Context, name string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.tz = append(h.tz, name)
			return nil
		},
		SenderChanged: func(context.Context) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sender++
			return nil
		},
	}
}

// startTestServer brings up a store, a seeded admin user, and a server
// on an ephemeral port, and returns a connected client.
func startTestServer(t *testing.T) (*websocket.Conn, storage.Store, *hookLog) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "sas.db"),
		BusyTimeout: 5 * time.Second,
	}, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sec := security.New(st, testSecParams, logx.Nop())
	if err := sec.EnsureAdmin(context.Background()); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}

	hooks := &hookLog{}
	srv := NewServer(Config{Addr: "127.0.0.1:0"}, st, sec, hooks.hooks(), logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, st, hooks
}

func call(t *testing.T, conn *websocket.Conn, id any, action []string, params map[string]any) map[string]any {
	t.Helper()
	req := map[string]any{
		"id":       id,
		"username": "admin",
		"password": "admin",
		"action":   action,
	}
	if params != nil {
		req["parameters"] = params
	}
	return rawCall(t, conn, req)
}

func rawCall(t *testing.T, conn *websocket.Conn, req map[string]any) map[string]any {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp map[string]any
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func wantError(t *testing.T, resp map[string]any) string {
	t.Helper()
	if resp["status"] != "error" {
		t.Fatalf("response = %v, want error status", resp)
	}
	msg, _ := resp["error"].(string)
	return msg
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()
	conn, _, _ := startTestServer(t)

	resp := rawCall(t, conn, map[string]any{
		"id":       1,
		"username": "admin",
		"password": "wrong",
		"action":   []string{"users", "login"},
	})
	if msg := wantError(t, resp); msg != "unauthorized" {
		t.Fatalf("error = %q, want unauthorized", msg)
	}
	if resp["id"] != float64(1) {
		t.Fatalf("response id = %v, want 1", resp["id"])
	}
}

func TestLoginAndUnknownAction(t *testing.T) {
	t.Parallel()
	conn, _, _ := startTestServer(t)

	resp := call(t, conn, "login-1", []string{"users", "login"}, nil)
	if resp["status"] != "success" {
		t.Fatalf("login = %v", resp)
	}
	if resp["id"] != "login-1" {
		t.Fatalf("response id = %v", resp["id"])
	}

	resp = call(t, conn, 2, []string{"nope", "get"}, nil)
	if msg := wantError(t, resp); msg != "unknown action" {
		t.Fatalf("error = %q", msg)
	}
	resp = call(t, conn, 3, []string{"rule"}, nil)
	wantError(t, resp)
}

func TestTemplateEndpoints(t *testing.T) {
	t.Parallel()
	conn, _, _ := startTestServer(t)

	resp := call(t, conn, 1, []string{"template", "add"}, map[string]any{
		"label":   "greeting",
		"message": "Hello $(first_name)",
	})
	id, ok := resp["added_id"].(float64)
	if !ok || id <= 0 {
		t.Fatalf("add = %v", resp)
	}

	resp = call(t, conn, 2, []string{"template", "get"}, map[string]any{"id": id})
	list, ok := resp["results"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("get = %v", resp)
	}
	got := list[0].(map[string]any)
	if got["message"] != "Hello $(first_name)" || got["label"] != "greeting" {
		t.Fatalf("template = %v", got)
	}

	// Malformed placeholder is rejected at the API boundary.
	resp = call(t, conn, 3, []string{"template", "add"}, map[string]any{"message": "broken $(oops"})
	wantError(t, resp)

	resp = call(t, conn, 4, []string{"template", "remove"}, map[string]any{"id": id})
	if resp["status"] != "success" {
		t.Fatalf("remove = %v", resp)
	}
	resp = call(t, conn, 5, []string{"template", "get"}, map[string]any{"id": id})
	if list := resp["results"].([]any); len(list) != 0 {
		t.Fatalf("get after remove = %v", resp)
	}
}

func TestRuleEndpointsAndHooks(t *testing.T) {
	t.Parallel()
	conn, _, hooks := startTestServer(t)

	tmplResp := call(t, conn, 1, []string{"template", "add"}, map[string]any{"message": "Hi $(first_name)"})
	tmplID := tmplResp["added_id"].(float64)
	personResp := call(t, conn, 2, []string{"people", "add"}, map[string]any{
		"first_name": "Ada",
		"telephone":  "+15550001111",
	})
	personID := personResp["added_id"].(float64)

	resp := call(t, conn, 3, []string{"rule", "add"}, map[string]any{
		"label":      "daily",
		"template":   tmplID,
		"recipients": []any{personID},
		"start_date": "2030-01-01 09:00:00.000000",
		"interval":   86400,
	})
	ruleID, ok := resp["added_id"].(float64)
	if !ok || ruleID <= 0 {
		t.Fatalf("rule add = %v", resp)
	}

	resp = call(t, conn, 4, []string{"rule", "get"}, map[string]any{"id": ruleID})
	list := resp["results"].([]any)
	if len(list) != 1 {
		t.Fatalf("rule get = %v", resp)
	}
	rw := list[0].(map[string]any)
	if rw["start_date"] != "2030-01-01 09:00:00.000000" || rw["interval"] != float64(86400) {
		t.Fatalf("rule wire = %v", rw)
	}

	// A dangling template reference must fail, not silently drop.
	resp = call(t, conn, 5, []string{"rule", "add"}, map[string]any{
		"template":   9999,
		"recipients": []any{personID},
		"start_date": "2030-01-01 09:00:00.000000",
	})
	wantError(t, resp)

	// An inverted window violates the schedule invariants.
	resp = call(t, conn, 6, []string{"rule", "add"}, map[string]any{
		"template":   tmplID,
		"recipients": []any{personID},
		"start_date": "2030-01-02 09:00:00.000000",
		"end_date":   "2030-01-01 09:00:00.000000",
	})
	wantError(t, resp)

	resp = call(t, conn, 7, []string{"rule", "remove"}, map[string]any{"id": ruleID})
	if resp["status"] != "success" {
		t.Fatalf("rule remove = %v", resp)
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.changed) != 1 || hooks.changed[0] != int64(ruleID) {
		t.Fatalf("RuleChanged calls = %v", hooks.changed)
	}
	if len(hooks.removing) != 1 || hooks.removing[0] != int64(ruleID) {
		t.Fatalf("RuleRemoving calls = %v", hooks.removing)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()
	conn, st, hooks := startTestServer(t)

	resp := call(t, conn, 1, []string{"timezone", "alter"}, map[string]any{"timezone": "Europe/Berlin"})
	if resp["status"] != "success" {
		t.Fatalf("timezone alter = %v", resp)
	}
	resp = call(t, conn, 2, []string{"timezone", "get"}, nil)
	if resp["timezone"] != "Europe/Berlin" {
		t.Fatalf("timezone get = %v", resp)
	}

	// Unknown zones never reach storage.
	resp = call(t, conn, 3, []string{"timezone", "alter"}, map[string]any{"timezone": "Nowhere/Nope"})
	wantError(t, resp)
	if v, err := st.GetSetting(context.Background(), storage.SettingTimezone); err != nil || v != "Europe/Berlin" {
		t.Fatalf("persisted timezone = %q, %v", v, err)
	}

	resp = call(t, conn, 4, []string{"sms-api-key", "alter"}, map[string]any{"api-key": "KEY123"})
	if resp["status"] != "success" {
		t.Fatalf("api-key alter = %v", resp)
	}
	resp = call(t, conn, 5, []string{"telephone", "alter"}, map[string]any{"telephone": "+15550009999"})
	if resp["status"] != "success" {
		t.Fatalf("telephone alter = %v", resp)
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.tz) != 1 || hooks.tz[0] != "Europe/Berlin" {
		t.Fatalf("TimezoneChanged calls = %v", hooks.tz)
	}
	if hooks.sender != 2 {
		t.Fatalf("SenderChanged calls = %d, want 2", hooks.sender)
	}
}

func TestUserAlter(t *testing.T) {
	t.Parallel()
	conn, _, _ := startTestServer(t)

	resp := call(t, conn, 1, []string{"users", "alter"}, map[string]any{
		"new_username": "operator",
		"new_password": "s3cret",
	})
	if resp["status"] != "success" {
		t.Fatalf("users alter = %v", resp)
	}

	// Old credentials are gone, the new ones work.
	resp = rawCall(t, conn, map[string]any{
		"id": 2, "username": "admin", "password": "admin",
		"action": []string{"users", "login"},
	})
	wantError(t, resp)
	resp = rawCall(t, conn, map[string]any{
		"id": 3, "username": "operator", "password": "s3cret",
		"action": []string{"users", "login"},
	})
	if resp["status"] != "success" {
		t.Fatalf("login with new credentials = %v", resp)
	}
}
