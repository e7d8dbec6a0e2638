package plugins

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/uwb-ranging/dw3000"
	"github.com/linht/uwb-ranging/ranging"
	"github.com/linht/uwb-ranging/uwbtime"
)

const (
	defaultRadioTimeout = 2 * time.Second
	maxRegisterRead     = dw3000.MaxFrameLength
)

// UWBRadio is the part of the radio driver the maintenance routes use.
type UWBRadio interface {
	DeviceID(ctx context.Context) (uint32, error)
	SystemTime(ctx context.Context) (uwbtime.Tick, error)
	ReadRegister(ctx context.Context, file, offset uint8, n int) ([]byte, error)
}

// UWBSession serializes radio access with the ranging cycle.
type UWBSession interface {
	Exec(ctx context.Context, fn func(ctx context.Context) error) error
	Stats() ranging.Stats
}

// UWBConfig wires the plugin to the running daemon.
type UWBConfig struct {
	Radio   UWBRadio
	Session UWBSession
	// Reset pulses the hardware reset line. Nil disables POST /reset.
	Reset func() error
	// Timeout bounds each request's wait for the radio.
	Timeout time.Duration
}

// UWBPlugin exposes radio diagnostics. Every radio access runs between two
// ranging iterations via the session.
type UWBPlugin struct {
	config UWBConfig
}

// NewUWBPlugin creates a new uwb plugin instance
func NewUWBPlugin(cfg UWBConfig) (*UWBPlugin, error) {
	if cfg.Radio == nil || cfg.Session == nil {
		return nil, fmt.Errorf("uwb plugin requires a radio and a session")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRadioTimeout
	}
	return &UWBPlugin{config: cfg}, nil
}

// Name returns the plugin identifier
func (p *UWBPlugin) Name() string {
	return "uwb"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *UWBPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/uwb")

	api.Get("/status", p.handleStatus)
	api.Get("/stats", p.handleStats)
	api.Get("/register/:file/:offset", p.handleReadRegister)
	api.Get("/registers", p.handleReadKnownRegisters)
	api.Post("/reset", p.handleReset)

	slog.Info("UWB plugin routes registered")
}

// Shutdown performs cleanup
func (p *UWBPlugin) Shutdown() error {
	// radio and session are owned by the daemon
	return nil
}

// withRadio runs fn on the session goroutine with a per-request deadline.
func (p *UWBPlugin) withRadio(c *fiber.Ctx, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), p.config.Timeout)
	defer cancel()
	return p.config.Session.Exec(ctx, fn)
}

func (p *UWBPlugin) handleStatus(c *fiber.Ctx) error {
	var (
		id  uint32
		now uwbtime.Tick
	)
	err := p.withRadio(c, func(ctx context.Context) error {
		var err error
		if id, err = p.config.Radio.DeviceID(ctx); err != nil {
			return err
		}
		now, err = p.config.Radio.SystemTime(ctx)
		return err
	})
	if err != nil {
		slog.Error("Failed to read radio status", "error", err)
		return SendRadioError(c, err)
	}

	return SendSuccess(c, map[string]interface{}{
		"device_id":   fmt.Sprintf("0x%08X", id),
		"supported":   id == dw3000.DevIDStandard || id == dw3000.DevIDPDoA,
		"system_time": uint64(now),
		"session":     p.config.Session.Stats(),
	}, "")
}

func (p *UWBPlugin) handleStats(c *fiber.Ctx) error {
	return SendSuccess(c, p.config.Session.Stats(), "")
}

func (p *UWBPlugin) handleReadRegister(c *fiber.Ctx) error {
	file, err := parseAddress(c.Params("file"), 0x1F)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid register file")
	}
	offset, err := parseAddress(c.Params("offset"), 0x7F)
	if err != nil {
		return SendErrorMessage(c, 400, "Invalid register offset")
	}
	n := c.QueryInt("len", 4)
	if n <= 0 || n > maxRegisterRead {
		return SendErrorMessage(c, 400, fmt.Sprintf("len must be between 1 and %d", maxRegisterRead))
	}

	var value []byte
	err = p.withRadio(c, func(ctx context.Context) error {
		var err error
		value, err = p.config.Radio.ReadRegister(ctx, file, offset, n)
		return err
	})
	if err != nil {
		return SendRadioError(c, err)
	}

	return SendSuccess(c, registerEntry(file, offset, value), "")
}

func (p *UWBPlugin) handleReadKnownRegisters(c *fiber.Ctx) error {
	keys := make([]uint16, 0, len(dw3000.RegisterDescriptions))
	for k := range dw3000.RegisterDescriptions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	regList := make([]map[string]interface{}, 0, len(keys))
	err := p.withRadio(c, func(ctx context.Context) error {
		for _, k := range keys {
			file, offset := uint8(k>>8), uint8(k)
			value, err := p.config.Radio.ReadRegister(ctx, file, offset, 4)
			if err != nil {
				return fmt.Errorf("failed to read register 0x%02X:0x%02X: %w", file, offset, err)
			}
			regList = append(regList, registerEntry(file, offset, value))
		}
		return nil
	})
	if err != nil {
		return SendRadioError(c, err)
	}

	return SendSuccess(c, map[string]interface{}{
		"registers": regList,
		"count":     len(regList),
	}, "")
}

func (p *UWBPlugin) handleReset(c *fiber.Ctx) error {
	if p.config.Reset == nil {
		return SendErrorMessage(c, 501, "Reset line not configured")
	}

	var id uint32
	err := p.withRadio(c, func(ctx context.Context) error {
		if err := p.config.Reset(); err != nil {
			return err
		}
		var err error
		id, err = p.config.Radio.DeviceID(ctx)
		return err
	})
	if err != nil {
		slog.Error("Failed to reset radio", "error", err)
		return SendRadioError(c, err)
	}

	slog.Info("Radio reset successful", "device_id", fmt.Sprintf("0x%08X", id))
	return SendSuccess(c, map[string]interface{}{
		"device_id": fmt.Sprintf("0x%08X", id),
	}, "Radio reset successful")
}

// parseAddress accepts decimal or 0x-prefixed hex up to limit.
func parseAddress(s string, limit uint64) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, err
	}
	if v > limit {
		return 0, fmt.Errorf("address 0x%02X exceeds 0x%02X", v, limit)
	}
	return uint8(v), nil
}

func registerEntry(file, offset uint8, value []byte) map[string]interface{} {
	desc := dw3000.Describe(file, offset)
	if desc == "" {
		desc = "Unknown register"
	}
	return map[string]interface{}{
		"file":        fmt.Sprintf("0x%02X", file),
		"offset":      fmt.Sprintf("0x%02X", offset),
		"value":       hex.EncodeToString(value),
		"length":      len(value),
		"description": desc,
	}
}

func init() {
	Register("uwb", func(config interface{}) (Plugin, error) {
		cfg, ok := config.(UWBConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config for uwb plugin")
		}
		return NewUWBPlugin(cfg)
	})
}
