package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberLogger "github.com/gofiber/fiber/v2/middleware/logger"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/linht/uwb-ranging/bus"
	"github.com/linht/uwb-ranging/config"
	"github.com/linht/uwb-ranging/dw3000"
	"github.com/linht/uwb-ranging/hardware"
	"github.com/linht/uwb-ranging/plugins"
	"github.com/linht/uwb-ranging/ranging"
)

// Configuration constants
const (
	// Server timeouts
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second

	// Session management (24-hour expiry)
	SessionDuration = 24 * time.Hour
	TokenBytes      = 32

	// Radio bring-up
	InitTimeout = 5 * time.Second
)

// Session represents a simple authenticated session for local use
type Session struct {
	Token     string
	ExpiresAt time.Time
}

var (
	cfg            config.Config
	currentSession *Session
	sessionMu      sync.RWMutex
)

// radio bundles the opened hardware so it can be released in one place.
type radio struct {
	spi    *hardware.SPIBus
	gpio   *hardware.GPIOController
	driver *dw3000.Driver
}

func main() {
	var err error
	cfg, err = config.Load(config.Path())
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog := setupLogging(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("Configuration loaded", "path", config.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openRadio(ctx, cfg.Radio)
	if err != nil {
		slog.Error("Failed to open radio", "error", err,
			"spi_device", cfg.Radio.SPIDevice, "gpio_chip", cfg.Radio.GPIOChip)
		os.Exit(1)
	}
	defer r.Close()

	session, err := ranging.NewSession(r.driver, cfg.Ranging, ranging.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to create ranging session", "error", err)
		os.Exit(1)
	}

	var app *fiber.App
	var loaded []plugins.Plugin
	if cfg.Server.Enabled {
		app = fiber.New(fiber.Config{
			ReadTimeout:           ServerReadTimeout,
			WriteTimeout:          ServerWriteTimeout,
			AppName:               "UWB Ranging",
			DisableStartupMessage: true,
		})
		app.Use(fiberLogger.New(fiberLogger.Config{
			Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
		}))

		// Login/logout endpoints (no auth required for login)
		app.Post("/login", handleLogin)
		app.Post("/logout", handleLogout)

		// Auth middleware for all other API routes
		app.Use("/api", authMiddleware)

		loaded, err = initPlugins(app, r, session)
		if err != nil {
			slog.Error("Failed to initialize plugins", "error", err)
			os.Exit(1)
		}

		addr := cfg.Server.Host + ":" + cfg.Server.Port
		go func() {
			slog.Info("Starting maintenance API", "address", addr)
			if err := app.Listen(addr); err != nil {
				slog.Error("Maintenance API stopped", "error", err, "address", addr)
			}
		}()
	}

	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Ranging session failed", "error", err)
	}

	if app != nil {
		slog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		cancel()
	}
	for _, p := range loaded {
		if err := p.Shutdown(); err != nil {
			slog.Error("Plugin shutdown error", "name", p.Name(), "error", err)
		}
	}
	slog.Info("Stopped", "stats", session.Stats())
}

// setupLogging builds the text logger and, if a file is configured, a
// rotating log file next to stdout.
func setupLogging(lc config.LogConfig) (*slog.Logger, func()) {
	level, _ := lc.SlogLevel()

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if lc.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})), closeFn
}

func openRadio(ctx context.Context, rc config.RadioConfig) (*radio, error) {
	spiBus, err := hardware.OpenSPI(rc.SPIDevice, rc.SPISpeed)
	if err != nil {
		return nil, err
	}

	gpioCtl, err := hardware.NewGPIOController(rc.GPIOChip, rc.CSPin, rc.ResetPin)
	if err != nil {
		spiBus.Close()
		return nil, err
	}

	r := &radio{spi: spiBus, gpio: gpioCtl}

	if rc.ResetOnStart {
		if err := gpioCtl.Reset(); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to reset radio: %w", err)
		}
	}

	dev, err := bus.NewDevice(spiBus, gpioCtl.ChipSelect())
	if err != nil {
		r.Close()
		return nil, err
	}
	r.driver = dw3000.New(dev)

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()
	if err := r.driver.Init(initCtx); err != nil {
		r.Close()
		return nil, err
	}

	id, _ := r.driver.DeviceID(initCtx)
	slog.Info("Radio detected",
		"device_id", fmt.Sprintf("0x%08X", id),
		"spi", spiBus.Info(),
		"gpio", gpioCtl.Info())
	return r, nil
}

func (r *radio) Close() {
	if err := r.gpio.Close(); err != nil {
		slog.Error("Failed to release GPIO", "error", err)
	}
	if err := r.spi.Close(); err != nil {
		slog.Error("Failed to close SPI", "error", err)
	}
}

func handleLogin(c *fiber.Ctx) error {
	var req struct {
		Password string `json:"password"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid request"})
	}

	// Check password
	if err := bcrypt.CompareHashAndPassword([]byte(cfg.Auth.PasswordHash), []byte(req.Password)); err != nil {
		slog.Warn("Failed login attempt", "ip", c.IP())
		return c.Status(401).JSON(fiber.Map{"error": "Invalid password"})
	}

	slog.Info("Successful login", "ip", c.IP())

	// Generate new session (replaces any existing session for local-only use)
	s := &Session{
		Token:     generateToken(),
		ExpiresAt: time.Now().Add(SessionDuration),
	}
	sessionMu.Lock()
	currentSession = s
	sessionMu.Unlock()

	return c.JSON(fiber.Map{
		"success": true,
		"token":   s.Token,
		"expires": s.ExpiresAt.Unix(),
	})
}

func handleLogout(c *fiber.Ctx) error {
	sessionMu.Lock()
	currentSession = nil
	sessionMu.Unlock()
	slog.Info("User logged out", "ip", c.IP())
	return c.JSON(fiber.Map{"success": true})
}

func authMiddleware(c *fiber.Ctx) error {
	token := c.Get("X-Auth-Token")
	if token == "" {
		token = c.Query("token")
	}

	if !validateToken(token) {
		return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Next()
}

func validateToken(token string) bool {
	if token == "" {
		return false
	}

	sessionMu.RLock()
	defer sessionMu.RUnlock()

	if currentSession == nil {
		return false
	}

	// Check token match and expiration
	if currentSession.Token != token {
		return false
	}

	if time.Now().After(currentSession.ExpiresAt) {
		return false
	}

	return true
}

func generateToken() string {
	b := make([]byte, TokenBytes)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func initPlugins(app *fiber.App, r *radio, session *ranging.Session) ([]plugins.Plugin, error) {
	var loaded []plugins.Plugin
	for _, name := range cfg.Plugins {
		factory, exists := plugins.Get(name)
		if !exists {
			slog.Warn("Unknown plugin", "name", name, "available", plugins.Names())
			continue
		}

		// Get plugin-specific config
		var pluginConfig interface{}
		switch name {
		case "uwb":
			pluginConfig = plugins.UWBConfig{
				Radio:   r.driver,
				Session: session,
				Reset:   r.gpio.Reset,
			}
		case "settings":
			pluginConfig = plugins.SettingsConfig{
				Path: config.Path(),
				Validate: func(data []byte) error {
					_, err := config.Parse(data)
					return err
				},
			}
		}

		plugin, err := factory(pluginConfig)
		if err != nil {
			return nil, err
		}

		plugin.RegisterRoutes(app)
		loaded = append(loaded, plugin)
		slog.Info("Plugin loaded", "name", plugin.Name())
	}
	return loaded, nil
}
