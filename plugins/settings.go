package plugins

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"
)

// protectedSection is never returned or written through the API.
const protectedSection = "auth"

// OrderedMap keeps YAML key order when rendered as JSON.
type OrderedMap struct {
	Keys   []string
	Values map[string]interface{}
}

// MarshalJSON implements json.Marshaler for OrderedMap
func (om *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range om.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(om.Values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// nodeToJSON converts a YAML tree into ordered JSON-compatible values.
func nodeToJSON(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) > 0 {
			return nodeToJSON(node.Content[0])
		}
		return nil

	case yaml.MappingNode:
		om := &OrderedMap{
			Keys:   make([]string, 0, len(node.Content)/2),
			Values: make(map[string]interface{}),
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			om.Keys = append(om.Keys, key)
			om.Values[key] = nodeToJSON(node.Content[i+1])
		}
		return om

	case yaml.SequenceNode:
		result := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			result[i] = nodeToJSON(item)
		}
		return result

	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			return nil
		case "!!bool":
			var v bool
			if err := node.Decode(&v); err == nil {
				return v
			}
		case "!!int":
			var v int64
			if err := node.Decode(&v); err == nil {
				return v
			}
		case "!!float":
			var v float64
			if err := node.Decode(&v); err == nil {
				return v
			}
		}
		return node.Value

	case yaml.AliasNode:
		if node.Alias != nil {
			return nodeToJSON(node.Alias)
		}
		return nil

	default:
		return node.Value
	}
}

// mergeIntoNode writes values into a mapping node. Existing keys keep their
// position and comments; unknown keys are appended.
func mergeIntoNode(node *yaml.Node, values map[string]interface{}) {
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			node.Content = append(node.Content, &yaml.Node{Kind: yaml.MappingNode})
		}
		mergeIntoNode(node.Content[0], values)
		return
	}
	if node.Kind != yaml.MappingNode {
		return
	}

	seen := make(map[string]bool, len(values))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		v, ok := values[key]
		if !ok {
			continue
		}
		seen[key] = true

		valueNode := node.Content[i+1]
		if m, ok := v.(map[string]interface{}); ok && valueNode.Kind == yaml.MappingNode {
			mergeIntoNode(valueNode, m)
			continue
		}
		fresh := newNode(v)
		fresh.HeadComment = valueNode.HeadComment
		fresh.LineComment = valueNode.LineComment
		node.Content[i+1] = fresh
	}

	for _, key := range sortedKeys(values) {
		if seen[key] {
			continue
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			newNode(values[key]))
	}
}

// newNode builds a YAML node for a decoded JSON value.
func newNode(value interface{}) *yaml.Node {
	switch v := value.(type) {
	case map[string]interface{}:
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, key := range sortedKeys(v) {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				newNode(v[key]))
		}
		return node

	case []interface{}:
		node := &yaml.Node{Kind: yaml.SequenceNode}
		for _, item := range v {
			node.Content = append(node.Content, newNode(item))
		}
		return node

	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}

	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v)}

	case float64:
		if v == float64(int64(v)) {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(int64(v), 10)}
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v, 'g', -1, 64)}

	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}

	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(v)}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SettingsConfig points the plugin at the daemon's config file.
type SettingsConfig struct {
	Path string
	// Validate rejects a candidate file before it is written.
	Validate func(data []byte) error
}

// SettingsPlugin reads and edits the daemon configuration file. Saved
// changes apply on the next start.
type SettingsPlugin struct {
	config SettingsConfig
	mu     sync.Mutex
}

// NewSettingsPlugin creates a new settings plugin instance
func NewSettingsPlugin(cfg SettingsConfig) (*SettingsPlugin, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("settings plugin requires a config path")
	}
	return &SettingsPlugin{config: cfg}, nil
}

// Name returns the plugin identifier
func (p *SettingsPlugin) Name() string {
	return "settings"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *SettingsPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/settings")

	api.Get("/load", p.loadSettings)
	api.Post("/save", p.saveSettings)
}

// Shutdown performs cleanup
func (p *SettingsPlugin) Shutdown() error {
	return nil
}

func (p *SettingsPlugin) readTree() (*yaml.Node, error) {
	root := &yaml.Node{Kind: yaml.DocumentNode}
	data, err := os.ReadFile(p.config.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return root, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, root); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if root.Kind == 0 {
		root.Kind = yaml.DocumentNode
	}
	return root, nil
}

// loadSettings handles GET /api/settings/load
func (p *SettingsPlugin) loadSettings(c *fiber.Ctx) error {
	p.mu.Lock()
	root, err := p.readTree()
	p.mu.Unlock()
	if err != nil {
		return SendError(c, 500, err)
	}

	out := nodeToJSON(root)
	if om, ok := out.(*OrderedMap); ok {
		delete(om.Values, protectedSection)
		keys := om.Keys[:0]
		for _, k := range om.Keys {
			if k != protectedSection {
				keys = append(keys, k)
			}
		}
		om.Keys = keys
	}
	if out == nil {
		out = &OrderedMap{Values: map[string]interface{}{}}
	}

	return SendSuccess(c, out, "Settings loaded successfully")
}

// saveSettings handles POST /api/settings/save
func (p *SettingsPlugin) saveSettings(c *fiber.Ctx) error {
	var changes map[string]interface{}
	if err := c.BodyParser(&changes); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	delete(changes, protectedSection)

	p.mu.Lock()
	defer p.mu.Unlock()

	root, err := p.readTree()
	if err != nil {
		return SendError(c, 500, err)
	}
	mergeIntoNode(root, changes)

	data, err := yaml.Marshal(root)
	if err != nil {
		return SendError(c, 500, fmt.Errorf("failed to serialize settings: %w", err))
	}
	if p.config.Validate != nil {
		if err := p.config.Validate(data); err != nil {
			return SendError(c, 400, err)
		}
	}

	if err := os.WriteFile(p.config.Path, data, 0644); err != nil {
		return SendError(c, 500, fmt.Errorf("failed to write settings file: %w", err))
	}

	slog.Info("Settings saved", "path", p.config.Path, "sections", len(changes))
	return SendSuccess(c, nil, "Settings saved, restart to apply")
}

func init() {
	Register("settings", func(config interface{}) (Plugin, error) {
		cfg, ok := config.(SettingsConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config for settings plugin")
		}
		return NewSettingsPlugin(cfg)
	})
}
