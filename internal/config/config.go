// Package config loads and validates the provider configuration.
//
// A configuration is read once from YAML, TOML or JSON, validated, and then
// exposed through read-only accessors for the lifetime of the process.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddress is the QUIC listen address used when none is configured.
	DefaultListenAddress = ":4005"

	// DefaultMaxConnections caps inbound overlay connections when unset.
	DefaultMaxConnections = 64
)

// ErrConfigInvalid is returned for a missing or malformed required field.
var ErrConfigInvalid = errors.New("config invalid")

// requiredFields are the document keys that must be present.
var requiredFields = []string{
	"apiHostname",
	"apiPath",
	"apiPort",
	"apiProtocol",
	"apiProvider",
	"modelName",
	"path",
	"public",
	"serverKey",
}

// document mirrors the on-disk layout. Field names follow the provider.yaml keys.
type document struct {
	APIHostname           string   `yaml:"apiHostname" toml:"apiHostname" json:"apiHostname"`
	APIKey                string   `yaml:"apiKey" toml:"apiKey" json:"apiKey"`
	APIPath               string   `yaml:"apiPath" toml:"apiPath" json:"apiPath"`
	APIPort               int      `yaml:"apiPort" toml:"apiPort" json:"apiPort"`
	APIProtocol           string   `yaml:"apiProtocol" toml:"apiProtocol" json:"apiProtocol"`
	APIProvider           string   `yaml:"apiProvider" toml:"apiProvider" json:"apiProvider"`
	DataCollectionEnabled bool     `yaml:"dataCollectionEnabled" toml:"dataCollectionEnabled" json:"dataCollectionEnabled"`
	MaxConnections        int      `yaml:"maxConnections" toml:"maxConnections" json:"maxConnections"`
	ModelName             string   `yaml:"modelName" toml:"modelName" json:"modelName"`
	Name                  string   `yaml:"name" toml:"name" json:"name"`
	Path                  string   `yaml:"path" toml:"path" json:"path"`
	Public                bool     `yaml:"public" toml:"public" json:"public"`
	ServerKey             string   `yaml:"serverKey" toml:"serverKey" json:"serverKey"`
	SystemMessage         string   `yaml:"systemMessage" toml:"systemMessage" json:"systemMessage"`
	ListenAddress         string   `yaml:"listenAddress" toml:"listenAddress" json:"listenAddress"`
	ServerAddress         string   `yaml:"serverAddress" toml:"serverAddress" json:"serverAddress"`
	Bootstrap             []string `yaml:"bootstrap" toml:"bootstrap" json:"bootstrap"`
	StatusAddress         string   `yaml:"statusAddress" toml:"statusAddress" json:"statusAddress"`
	LogLevel              string   `yaml:"logLevel" toml:"logLevel" json:"logLevel"`
}

// Config is the validated, immutable provider configuration.
// All accessors return copies; nothing mutates a Config after Load.
type Config struct {
	doc document
}

// Load reads, parses and validates the configuration at path.
// The format is chosen from the file extension; unknown extensions are parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s:\n%w", path, err)
	}

	return Parse(data, formatOf(path))
}

// Format identifies a configuration encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
	FormatJSON
)

// formatOf returns the format for a file name.
func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes and validates a configuration document.
func Parse(data []byte, format Format) (*Config, error) {
	raw, err := decodeRaw(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := validate(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := decodeInto(data, format, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	applyDefaults(&doc)

	if doc.Public && doc.ServerAddress == "" {
		return nil, fmt.Errorf("%w: serverAddress is required when public is true", ErrConfigInvalid)
	}

	return &Config{doc: doc}, nil
}

// decodeRaw parses the document into a generic map for presence checks.
func decodeRaw(data []byte, format Format) (map[string]any, error) {
	raw := map[string]any{}

	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	return raw, nil
}

// decodeInto parses the document into the typed layout.
func decodeInto(data []byte, format Format, doc *document) error {
	switch format {
	case FormatTOML:
		_, err := toml.Decode(string(data), doc)
		return err
	case FormatJSON:
		return json.Unmarshal(data, doc)
	default:
		return yaml.Unmarshal(data, doc)
	}
}

// validate checks required keys are present and public is a boolean.
func validate(raw map[string]any) error {
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return fmt.Errorf("%w: missing required field %q", ErrConfigInvalid, field)
		}
	}

	if _, ok := raw["public"].(bool); !ok {
		return fmt.Errorf("%w: field \"public\" must be a boolean", ErrConfigInvalid)
	}

	return nil
}

// applyDefaults fills optional transport fields.
func applyDefaults(doc *document) {
	if doc.ListenAddress == "" {
		doc.ListenAddress = DefaultListenAddress
	}

	if doc.MaxConnections <= 0 {
		doc.MaxConnections = DefaultMaxConnections
	}

	if doc.Name == "" {
		doc.Name = doc.ModelName
	}
}

// APIHostname returns the backend host name.
func (c *Config) APIHostname() string { return c.doc.APIHostname }

// APIKey returns the backend bearer token. May be empty.
func (c *Config) APIKey() string { return c.doc.APIKey }

// APIPath returns the backend chat completion path.
func (c *Config) APIPath() string { return c.doc.APIPath }

// APIPort returns the backend port.
func (c *Config) APIPort() int { return c.doc.APIPort }

// APIProtocol returns the backend URL scheme.
func (c *Config) APIProtocol() string { return c.doc.APIProtocol }

// APIProvider returns the backend identifier (ollama, llamacpp, ...).
func (c *Config) APIProvider() string { return c.doc.APIProvider }

// DataCollectionEnabled reports whether transcripts are persisted.
func (c *Config) DataCollectionEnabled() bool { return c.doc.DataCollectionEnabled }

// MaxConnections returns the inbound connection cap.
func (c *Config) MaxConnections() int { return c.doc.MaxConnections }

// ModelName returns the model requested from the backend.
func (c *Config) ModelName() string { return c.doc.ModelName }

// Name returns the node name used to derive the key pair.
func (c *Config) Name() string { return c.doc.Name }

// Path returns the storage directory for transcripts.
func (c *Config) Path() string { return c.doc.Path }

// Public reports whether the node registers with the coordinating server.
func (c *Config) Public() bool { return c.doc.Public }

// ServerKey returns the coordinating server public key (hex).
func (c *Config) ServerKey() string { return c.doc.ServerKey }

// SystemMessage returns the optional system prompt.
func (c *Config) SystemMessage() string { return c.doc.SystemMessage }

// ListenAddress returns the overlay listen address.
func (c *Config) ListenAddress() string { return c.doc.ListenAddress }

// ServerAddress returns the coordinating server overlay address.
func (c *Config) ServerAddress() string { return c.doc.ServerAddress }

// Bootstrap returns extra overlay addresses to dial at startup.
func (c *Config) Bootstrap() []string {
	return append([]string(nil), c.doc.Bootstrap...)
}

// StatusAddress returns the status API address, empty when disabled.
func (c *Config) StatusAddress() string { return c.doc.StatusAddress }

// LogLevel returns the configured log level string.
func (c *Config) LogLevel() string { return c.doc.LogLevel }

// Get returns a field by its document key.
func (c *Config) Get(key string) (any, bool) {
	v, ok := c.fields()[key]
	return v, ok
}

// JoinFields returns the fields announced to the coordinating server.
// The backend API key is never announced.
func (c *Config) JoinFields() map[string]any {
	fields := c.fields()
	delete(fields, "apiKey")
	return fields
}

// fields returns every field keyed by document name.
func (c *Config) fields() map[string]any {
	d := c.doc
	return map[string]any{
		"apiHostname":           d.APIHostname,
		"apiKey":                d.APIKey,
		"apiPath":               d.APIPath,
		"apiPort":               d.APIPort,
		"apiProtocol":           d.APIProtocol,
		"apiProvider":           d.APIProvider,
		"dataCollectionEnabled": d.DataCollectionEnabled,
		"maxConnections":        d.MaxConnections,
		"modelName":             d.ModelName,
		"name":                  d.Name,
		"path":                  d.Path,
		"public":                d.Public,
		"serverKey":             d.ServerKey,
		"systemMessage":         d.SystemMessage,
		"listenAddress":         d.ListenAddress,
		"serverAddress":         d.ServerAddress,
		"bootstrap":             append([]string(nil), d.Bootstrap...),
		"statusAddress":         d.StatusAddress,
		"logLevel":              d.LogLevel,
	}
}
