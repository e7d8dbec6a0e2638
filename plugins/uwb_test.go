package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/uwb-ranging/bus"
	"github.com/linht/uwb-ranging/dw3000"
	"github.com/linht/uwb-ranging/ranging"
	"github.com/linht/uwb-ranging/uwbtime"
)

type fakeRadio struct {
	id      uint32
	now     uwbtime.Tick
	readErr error
	reads   []string
}

func (r *fakeRadio) DeviceID(context.Context) (uint32, error) { return r.id, r.readErr }

func (r *fakeRadio) SystemTime(context.Context) (uwbtime.Tick, error) { return r.now, r.readErr }

func (r *fakeRadio) ReadRegister(_ context.Context, file, offset uint8, n int) ([]byte, error) {
	if r.readErr != nil {
		return nil, r.readErr
	}
	r.reads = append(r.reads, registerEntry(file, offset, nil)["offset"].(string))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i + 1)
	}
	return out, nil
}

// inlineSession runs Exec closures immediately.
type inlineSession struct {
	execs int
	err   error
}

func (s *inlineSession) Exec(ctx context.Context, fn func(context.Context) error) error {
	s.execs++
	if s.err != nil {
		return s.err
	}
	return fn(ctx)
}

func (s *inlineSession) Stats() ranging.Stats {
	return ranging.Stats{Iterations: 3, Measured: 2, TimedOut: 1, State: "idle"}
}

func newTestApp(t *testing.T, cfg UWBConfig) *fiber.App {
	t.Helper()
	factory, ok := Get("uwb")
	if !ok {
		t.Fatal("uwb plugin not registered")
	}
	plugin, err := factory(cfg)
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	app := fiber.New()
	plugin.RegisterRoutes(app)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target string) (int, APIResponse) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestUWBStatus(t *testing.T) {
	radio := &fakeRadio{id: dw3000.DevIDStandard, now: 0x1234500}
	session := &inlineSession{}
	app := newTestApp(t, UWBConfig{Radio: radio, Session: session})

	status, body := doRequest(t, app, "GET", "/api/uwb/status")
	if status != 200 || !body.Success {
		t.Fatalf("status = %d, body = %+v", status, body)
	}
	data := body.Data.(map[string]interface{})
	if data["device_id"] != "0xDECA0302" {
		t.Errorf("device_id = %v", data["device_id"])
	}
	if data["supported"] != true {
		t.Errorf("supported = %v", data["supported"])
	}
	if data["system_time"].(float64) != 0x1234500 {
		t.Errorf("system_time = %v", data["system_time"])
	}
	if session.execs != 1 {
		t.Errorf("radio accessed outside the session: execs = %d", session.execs)
	}
}

func TestUWBStatusSessionUnavailable(t *testing.T) {
	session := &inlineSession{err: context.DeadlineExceeded}
	app := newTestApp(t, UWBConfig{Radio: &fakeRadio{}, Session: session})

	status, body := doRequest(t, app, "GET", "/api/uwb/status")
	if status != 503 || body.Success {
		t.Errorf("status = %d, body = %+v", status, body)
	}
}

func TestUWBReadRegister(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantValue  string
		wantDesc   string
	}{
		{
			name:       "hex address",
			target:     "/api/uwb/register/0x00/0x44",
			wantStatus: 200,
			wantValue:  "01020304",
			wantDesc:   "System event status",
		},
		{
			name:       "decimal address with length",
			target:     "/api/uwb/register/12/32?len=2",
			wantStatus: 200,
			wantValue:  "0102",
			wantDesc:   "CIA diagnostic 0 (clock offset)",
		},
		{
			name:       "unknown register",
			target:     "/api/uwb/register/1/0",
			wantStatus: 200,
			wantValue:  "01020304",
			wantDesc:   "Unknown register",
		},
		{name: "file out of range", target: "/api/uwb/register/0x20/0", wantStatus: 400},
		{name: "offset out of range", target: "/api/uwb/register/0/0x80", wantStatus: 400},
		{name: "not a number", target: "/api/uwb/register/x/0", wantStatus: 400},
		{name: "zero length", target: "/api/uwb/register/0/0?len=0", wantStatus: 400},
		{name: "length too long", target: "/api/uwb/register/0/0?len=500", wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, UWBConfig{Radio: &fakeRadio{}, Session: &inlineSession{}})
			status, body := doRequest(t, app, "GET", tt.target)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.wantStatus, body)
			}
			if tt.wantStatus != 200 {
				return
			}
			data := body.Data.(map[string]interface{})
			if data["value"] != tt.wantValue {
				t.Errorf("value = %v, want %v", data["value"], tt.wantValue)
			}
			if data["description"] != tt.wantDesc {
				t.Errorf("description = %v, want %v", data["description"], tt.wantDesc)
			}
		})
	}
}

func TestUWBReadKnownRegisters(t *testing.T) {
	radio := &fakeRadio{}
	app := newTestApp(t, UWBConfig{Radio: radio, Session: &inlineSession{}})

	status, body := doRequest(t, app, "GET", "/api/uwb/registers")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	data := body.Data.(map[string]interface{})
	if int(data["count"].(float64)) != len(dw3000.RegisterDescriptions) {
		t.Errorf("count = %v, want %d", data["count"], len(dw3000.RegisterDescriptions))
	}
	if len(radio.reads) == 0 || radio.reads[0] != "0x00" {
		t.Errorf("registers not read in address order: %v", radio.reads)
	}

	radio.readErr = errors.New("spi: transfer failed")
	status, _ = doRequest(t, app, "GET", "/api/uwb/registers")
	if status != 500 {
		t.Errorf("status = %d, want 500", status)
	}
}

func TestUWBReset(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		app := newTestApp(t, UWBConfig{Radio: &fakeRadio{}, Session: &inlineSession{}})
		status, _ := doRequest(t, app, "POST", "/api/uwb/reset")
		if status != 501 {
			t.Errorf("status = %d, want 501", status)
		}
	})

	t.Run("pulses and rechecks device", func(t *testing.T) {
		resets := 0
		session := &inlineSession{}
		app := newTestApp(t, UWBConfig{
			Radio:   &fakeRadio{id: dw3000.DevIDPDoA},
			Session: session,
			Reset: func() error {
				resets++
				return nil
			},
		})
		status, body := doRequest(t, app, "POST", "/api/uwb/reset")
		if status != 200 || !body.Success {
			t.Fatalf("status = %d, body = %+v", status, body)
		}
		if resets != 1 || session.execs != 1 {
			t.Errorf("resets = %d, execs = %d", resets, session.execs)
		}
		if body.Data.(map[string]interface{})["device_id"] != "0xDECA0312" {
			t.Errorf("device_id = %v", body.Data)
		}
	})

	t.Run("reset line failure", func(t *testing.T) {
		app := newTestApp(t, UWBConfig{
			Radio:   &fakeRadio{},
			Session: &inlineSession{},
			Reset:   func() error { return errors.New("line released") },
		})
		status, body := doRequest(t, app, "POST", "/api/uwb/reset")
		if status != 500 || body.Error != "line released" {
			t.Errorf("status = %d, body = %+v", status, body)
		}
	})
}

func TestUWBStats(t *testing.T) {
	app := newTestApp(t, UWBConfig{Radio: &fakeRadio{}, Session: &inlineSession{}})
	status, body := doRequest(t, app, "GET", "/api/uwb/stats")
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	data := body.Data.(map[string]interface{})
	if data["measured"].(float64) != 2 || data["state"] != "idle" {
		t.Errorf("stats = %v", data)
	}
}

func TestRadioErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), 503},
		{"bus failure", &bus.Error{Index: 1, Op: "read", Err: errors.New("ioctl")}, 502},
		{"wrong chip", fmt.Errorf("%w: device id 0x00000000", dw3000.ErrNotDetected), 502},
		{"other", errors.New("boom"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := radioErrorStatus(tt.err); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUWBFactoryRejectsBadConfig(t *testing.T) {
	factory, _ := Get("uwb")
	if _, err := factory(map[string]interface{}{}); err == nil {
		t.Error("expected error for wrong config type")
	}
	if _, err := factory(UWBConfig{}); err == nil {
		t.Error("expected error for missing radio")
	}
}
