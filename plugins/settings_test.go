package plugins

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

const sampleSettings = `# ranging daemon
log:
  level: info
auth:
  password_hash: "$2a$10$abcdefghijklmnopqrstuv"
ranging:
  listen_multiplier: 99 # 1:99 duty ratio
  rx_guard: 1us
plugins:
  - uwb
`

func newSettingsApp(t *testing.T, body string, validate func([]byte) error) (*fiber.App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if body != "" {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("failed to write settings: %v", err)
		}
	}

	factory, ok := Get("settings")
	if !ok {
		t.Fatal("settings plugin not registered")
	}
	plugin, err := factory(SettingsConfig{Path: path, Validate: validate})
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	app := fiber.New()
	plugin.RegisterRoutes(app)
	return app, path
}

func TestSettingsLoadKeepsOrderAndHidesAuth(t *testing.T) {
	app, _ := newSettingsApp(t, sampleSettings, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/settings/load", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if strings.Contains(body, "password_hash") {
		t.Errorf("auth section leaked: %s", body)
	}
	logIdx := strings.Index(body, `"log"`)
	rangingIdx := strings.Index(body, `"ranging"`)
	pluginsIdx := strings.Index(body, `"plugins"`)
	if logIdx < 0 || !(logIdx < rangingIdx && rangingIdx < pluginsIdx) {
		t.Errorf("key order lost: %s", body)
	}
	if !strings.Contains(body, `"listen_multiplier":99`) {
		t.Errorf("integer not decoded: %s", body)
	}
}

func TestSettingsLoadMissingFile(t *testing.T) {
	app, _ := newSettingsApp(t, "", nil)
	status, body := doRequest(t, app, "GET", "/api/settings/load")
	if status != 200 || !body.Success {
		t.Errorf("status = %d, body = %+v", status, body)
	}
}

func TestSettingsSave(t *testing.T) {
	var validated []byte
	app, path := newSettingsApp(t, sampleSettings, func(b []byte) error {
		validated = b
		return nil
	})

	req := httptest.NewRequest("POST", "/api/settings/save", strings.NewReader(
		`{"ranging":{"listen_multiplier":50,"interval":"10ms"},"auth":{"password_hash":""},"server":{"enabled":true}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	got := string(data)
	if string(validated) != got {
		t.Error("written file differs from validated candidate")
	}

	for _, want := range []string{
		"listen_multiplier: 50 # 1:99 duty ratio",
		"interval: 10ms",
		"rx_guard: 1us",
		"$2a$10$abcdefghijklmnopqrstuv",
		"enabled: true",
		"# ranging daemon",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("saved file missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "ranging:") > strings.Index(got, "server:") {
		t.Errorf("new section not appended after existing ones:\n%s", got)
	}
}

func TestSettingsSaveRejectedByValidation(t *testing.T) {
	app, path := newSettingsApp(t, sampleSettings, func([]byte) error {
		return errors.New("ranging: listen_multiplier must be positive, got 0")
	})

	req := httptest.NewRequest("POST", "/api/settings/save",
		strings.NewReader(`{"ranging":{"listen_multiplier":0}}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var body APIResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if !strings.Contains(body.Error, "listen_multiplier") {
		t.Errorf("error = %q", body.Error)
	}

	data, _ := os.ReadFile(path)
	if string(data) != sampleSettings {
		t.Error("file modified despite validation failure")
	}
}

func TestSettingsSaveInvalidBody(t *testing.T) {
	app, _ := newSettingsApp(t, sampleSettings, nil)
	req := httptest.NewRequest("POST", "/api/settings/save", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req)
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
