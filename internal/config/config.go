package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/persistence"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/pkg/coordinate"
)

// CurrentVersion is the only supported cfgsecrets.yaml version.
const CurrentVersion = 1

// DefaultPath is where the CLI looks for its configuration.
const DefaultPath = "cfgsecrets.yaml"

// EnvReferencesDSN overrides references.dsn.
const EnvReferencesDSN = "CFGSECRETS_REFERENCES_DSN"

// DefaultStorageName is used when neither defaults.storage nor any storage is configured.
const DefaultStorageName = "default"

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the cfgsecrets.yaml structure
type Definition struct {
	Version        int                            `yaml:"version"`
	Coordinates    CoordinatesConfig              `yaml:"coordinates"`
	Defaults       DefaultsConfig                 `yaml:"defaults"`
	References     ReferencesConfig               `yaml:"references"`
	SecretStorages map[string]SecretStorageConfig `yaml:"secret_storages,omitempty"`
}

// CoordinatesConfig holds the injected coordinate grammar constants
type CoordinatesConfig struct {
	Prefix        string   `yaml:"prefix,omitempty"`
	SecretMarkers []string `yaml:"secret_markers,omitempty"`
}

// DefaultsConfig names the instance-wide fallbacks
type DefaultsConfig struct {
	// ScopeID is used when a request does not name a scope
	ScopeID string `yaml:"scope_id,omitempty"`
	// Storage is the writable storage for scopes without their own
	Storage string `yaml:"storage,omitempty"`
}

// ReferencesConfig selects where split results are indexed
type ReferencesConfig struct {
	Mode   string `yaml:"mode,omitempty"`
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// SecretStorageConfig holds one storage backend and the scope it serves
type SecretStorageConfig struct {
	Type      string                 `yaml:"type"`
	ScopeType string                 `yaml:"scope_type,omitempty"`
	ScopeID   string                 `yaml:"scope_id,omitempty"`
	ReadOnly  bool                   `yaml:"read_only,omitempty"`
	TimeoutMs int                    `yaml:"timeout_ms,omitempty"`
	Config    map[string]interface{} `yaml:",inline"`
}

// Load reads and parses the cfgsecrets.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a cfgsecrets.yaml or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	c.Definition = def
	return nil
}

// Parse decodes and validates a definition, then applies the environment
// override for the references DSN.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version == 0 {
		def.Version = CurrentVersion
	}
	if def.Version != CurrentVersion {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: fmt.Sprintf("Set 'version: %d' at the top of your cfgsecrets.yaml file", CurrentVersion),
		}
	}

	if dsn := os.Getenv(EnvReferencesDSN); dsn != "" {
		def.References.DSN = dsn
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks storage types, scopes and the defaults.
func (d *Definition) Validate() error {
	registry := persistence.NewRegistry()

	for _, name := range d.StorageNames() {
		s := d.SecretStorages[name]
		field := "secret_storages." + name
		if s.Type == "" {
			return dserrors.ConfigError{
				Field:      field + ".type",
				Message:    "storage type is required",
				Suggestion: "Supported types: " + strings.Join(registry.SupportedTypes(), ", "),
			}
		}
		if !registry.IsSupported(s.Type) {
			return dserrors.ConfigError{
				Field:      field + ".type",
				Value:      s.Type,
				Message:    "unknown storage type",
				Suggestion: "Supported types: " + strings.Join(registry.SupportedTypes(), ", "),
			}
		}
		scopeType, _, err := s.Scope()
		if err != nil {
			return dserrors.ConfigError{Field: field + ".scope_type", Value: s.ScopeType, Message: err.Error()}
		}
		if scopeType != references.ScopeInstance && s.ScopeID == "" {
			return dserrors.ConfigError{
				Field:      field + ".scope_id",
				Message:    "scope_id is required for " + string(scopeType) + " storages",
				Suggestion: "Set scope_id, or use 'scope_type: instance' for a shared storage",
			}
		}
		if s.TimeoutMs < 0 {
			return dserrors.ConfigError{Field: field + ".timeout_ms", Value: s.TimeoutMs, Message: "timeout must not be negative"}
		}
	}

	if d.Defaults.Storage != "" {
		s, ok := d.SecretStorages[d.Defaults.Storage]
		if !ok {
			return dserrors.ConfigError{
				Field:      "defaults.storage",
				Value:      d.Defaults.Storage,
				Message:    "storage not found in configuration",
				Suggestion: d.storageSuggestion(),
			}
		}
		if s.ReadOnly {
			return dserrors.ConfigError{
				Field:      "defaults.storage",
				Value:      d.Defaults.Storage,
				Message:    "the default storage must be writable",
				Suggestion: "Remove 'read_only: true' or pick another storage",
			}
		}
	}

	if _, err := references.ParseWriteMode(d.References.Mode); err != nil {
		return dserrors.ConfigError{Field: "references.mode", Value: d.References.Mode, Message: err.Error()}
	}
	if d.References.DSN != "" && d.References.Driver == "" {
		return dserrors.ConfigError{
			Field:      "references.driver",
			Message:    "driver is required when a dsn is set",
			Suggestion: "Use 'postgres' or 'mysql'",
		}
	}
	return nil
}

func (d *Definition) storageSuggestion() string {
	names := d.StorageNames()
	if len(names) == 0 {
		return "Add a storage to the 'secret_storages:' section of your cfgsecrets.yaml"
	}
	return "Available storages: " + strings.Join(names, ", ")
}

// StorageNames returns the configured storage names, sorted.
func (d *Definition) StorageNames() []string {
	names := make([]string, 0, len(d.SecretStorages))
	for name := range d.SecretStorages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Format returns the coordinate format to use.
func (d *Definition) Format() coordinate.Format {
	if d == nil || d.Coordinates.Prefix == "" {
		return coordinate.DefaultFormat()
	}
	return coordinate.Format{Prefix: d.Coordinates.Prefix}
}

// WriteMode returns the validated reference write mode.
func (d *Definition) WriteMode() references.WriteMode {
	if d == nil {
		return references.ModeLegacy
	}
	m, err := references.ParseWriteMode(d.References.Mode)
	if err != nil {
		return references.ModeLegacy
	}
	return m
}

// GetStorage returns the configuration for a storage.
func (c *Config) GetStorage(name string) (SecretStorageConfig, error) {
	if c.Definition == nil {
		return SecretStorageConfig{}, dserrors.UserError{
			Message:    "Configuration not loaded",
			Suggestion: "This is an internal error. Please report it",
		}
	}

	if s, ok := c.Definition.SecretStorages[name]; ok {
		return s, nil
	}
	return SecretStorageConfig{}, dserrors.ConfigError{
		Field:      "storage",
		Value:      name,
		Message:    "storage not found in configuration",
		Suggestion: c.Definition.storageSuggestion(),
	}
}

// GetStorageTimeout returns the timeout for a storage in milliseconds
func (s SecretStorageConfig) GetStorageTimeout() int {
	if s.TimeoutMs <= 0 {
		return int(persistence.DefaultTimeout.Milliseconds())
	}
	return s.TimeoutMs
}

// Scope returns the parsed scope type and id. An empty scope_type means
// the storage serves the whole instance.
func (s SecretStorageConfig) Scope() (references.ScopeType, string, error) {
	if strings.TrimSpace(s.ScopeType) == "" {
		return references.ScopeInstance, s.ScopeID, nil
	}
	st, err := references.ParseScopeType(s.ScopeType)
	if err != nil {
		return "", "", err
	}
	return st, s.ScopeID, nil
}

// Descriptor converts the storage into a backend descriptor.
func (s SecretStorageConfig) Descriptor(name string) persistence.Descriptor {
	settings := make(map[string]interface{}, len(s.Config)+1)
	for k, v := range s.Config {
		settings[k] = v
	}
	settings["timeout_ms"] = s.GetStorageTimeout()
	return persistence.Descriptor{
		ID:       name,
		Name:     name,
		Type:     s.Type,
		ReadOnly: s.ReadOnly,
		Settings: settings,
	}
}

// credentialKeys are descriptor settings never copied into reference rows.
var credentialKeys = map[string]bool{
	"token":             true,
	"password":          true,
	"client_secret":     true,
	"secret_access_key": true,
	"session_token":     true,
	"credentials_json":  true,
	"dsn":               true,
	"access_key":        true,
}

// Record converts the storage into a reference-store row. Credential
// settings are left out; rows are readable by management tooling.
func (s SecretStorageConfig) Record(name string) references.SecretStorage {
	scopeType, scopeID, err := s.Scope()
	if err != nil {
		scopeType, scopeID = references.ScopeInstance, ""
	}
	descriptor := make(map[string]interface{}, len(s.Config)+1)
	for k, v := range s.Config {
		if credentialKeys[k] {
			continue
		}
		descriptor[k] = v
	}
	descriptor["timeout_ms"] = s.GetStorageTimeout()
	return references.SecretStorage{
		ID:         name,
		Name:       name,
		Type:       s.Type,
		ScopeType:  scopeType,
		ScopeID:    scopeID,
		ReadOnly:   s.ReadOnly,
		Descriptor: descriptor,
	}
}
