package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/internal/logging"
	"github.com/systmms/cfgsecrets/internal/persistence"
	"github.com/systmms/cfgsecrets/internal/references"
	"github.com/systmms/cfgsecrets/pkg/configsecrets"
)

// runtime is everything a command needs to call the engine.
type runtime struct {
	def    *config.Definition
	engine *configsecrets.Engine
	refs   references.Store
	close  func()
}

// loadDefinition loads the config file. A missing default file yields an
// empty definition so coordinate commands work without one.
func loadDefinition(cfg *config.Config) (*config.Definition, error) {
	if cfg.Definition != nil {
		return cfg.Definition, nil
	}
	if err := cfg.Load(); err != nil {
		var cfgErr dserrors.ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Field == "path" && cfg.Path == config.DefaultPath {
			def, perr := config.Parse([]byte("{}"))
			if perr != nil {
				return nil, perr
			}
			cfg.Definition = def
			return def, nil
		}
		return nil, err
	}
	return cfg.Definition, nil
}

// openReferences returns the SQL store when references.dsn is set and a
// process-local memory store otherwise.
func openReferences(ctx context.Context, def *config.Definition) (references.Store, func(), error) {
	if def.References.DSN == "" {
		return references.NewMemoryStore(), func() {}, nil
	}
	store, err := references.OpenSQLStore(ctx, def.References.Driver, def.References.DSN)
	if err != nil {
		return nil, nil, dserrors.StorageError("references", "connect", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	def, err := loadDefinition(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	refs, closeRefs, err := openReferences(ctx, def)
	if err != nil {
		return nil, err
	}

	registry := persistence.NewRegistry()
	var resolver configsecrets.StorageResolver = configsecrets.NewStaticResolver(def, registry)
	if def.References.DSN != "" {
		resolver = configsecrets.NewRowResolver(refs, registry, def, resolver)
	}

	opts := []configsecrets.Option{
		configsecrets.WithFormat(def.Format()),
		configsecrets.WithReferenceStore(refs, def.WriteMode()),
		configsecrets.WithDefaultScope(def.Defaults.ScopeID),
		configsecrets.WithLogger(logger),
	}
	if len(def.Coordinates.SecretMarkers) > 0 {
		opts = append(opts, configsecrets.WithSecretMarkers(def.Coordinates.SecretMarkers...))
	}

	return &runtime{
		def:    def,
		engine: configsecrets.New(resolver, opts...),
		refs:   refs,
		close:  closeRefs,
	}, nil
}

func readJSONObject(path string) (map[string]interface{}, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("%s is not a JSON object", displayPath(path)),
			Suggestion: "Configurations and schemas must be valid JSON objects",
			Err:        err,
		}
	}
	return v, nil
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dserrors.SimplifyError(err)
	}
	return data, nil
}

func displayPath(path string) string {
	if path == "-" {
		return "stdin"
	}
	return path
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseScopeType(s string) (references.ScopeType, error) {
	st, err := references.ParseScopeType(s)
	if err != nil {
		return "", dserrors.ConfigError{Field: "scope-type", Value: s, Message: err.Error()}
	}
	return st, nil
}

// LogMetrics prints the cfgsecrets counters at debug level.
func LogMetrics(logger *logging.Logger) {
	if logger == nil || !logger.DebugEnabled() {
		return
	}
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		logger.Debug("metrics unavailable: %v", err)
		return
	}

	var lines []string
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cfgsecrets_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			value := m.GetCounter().GetValue()
			if h := m.GetHistogram(); h != nil {
				value = float64(h.GetSampleCount())
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		logger.Debug("metric %s", l)
	}
}
