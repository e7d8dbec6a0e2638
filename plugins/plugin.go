// Package plugins holds the maintenance API. Each plugin owns a route group
// under /api and is enabled by name in the configuration.
package plugins

import (
	"sort"

	"github.com/gofiber/fiber/v2"
)

// Plugin interface that all plugins must implement
type Plugin interface {
	// Name returns the plugin identifier
	Name() string

	// RegisterRoutes adds the plugin's HTTP routes to the app
	RegisterRoutes(app *fiber.App)

	// Shutdown performs cleanup when the plugin is stopped
	Shutdown() error
}

// PluginFactory builds a plugin from its typed config (UWBConfig,
// SettingsConfig).
type PluginFactory func(config interface{}) (Plugin, error)

// registry is filled from init functions only, so it needs no lock.
var registry = make(map[string]PluginFactory)

// Register adds a plugin factory to the registry
func Register(name string, factory PluginFactory) {
	registry[name] = factory
}

// Get retrieves a plugin factory by name
func Get(name string) (PluginFactory, bool) {
	factory, exists := registry[name]
	return factory, exists
}

// Names lists the registered plugins.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
