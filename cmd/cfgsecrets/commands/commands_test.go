package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgsecrets/internal/config"
	dserrors "github.com/systmms/cfgsecrets/internal/errors"
	"github.com/systmms/cfgsecrets/internal/logging"
)

const memoryConfig = `
version: 1
defaults:
  scope_id: ws-1
  storage: managed
secret_storages:
  managed:
    type: memory
  customer:
    type: memory
    scope_type: workspace
    scope_id: ws-1
    read_only: true
`

const passwordSchema = `{
	"type": "object",
	"properties": {
		"host": {"type": "string"},
		"password": {"type": "string", "airbyte_secret": true}
	}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func newTestConfig(t *testing.T, content string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Path:   writeFile(t, dir, "cfgsecrets.yaml", content),
		Logger: logging.New(false, true),
	}
	return cfg, dir
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSplitCommand_RedactsSecrets(t *testing.T) {
	t.Parallel()

	cfg, dir := newTestConfig(t, memoryConfig)
	input := writeFile(t, dir, "config.json", `{"host": "db.internal", "password": "hunter2"}`)
	schema := writeFile(t, dir, "schema.json", passwordSchema)

	out, err := execute(t, NewSplitCommand(cfg), "--input", input, "--schema", schema)
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")

	var got splitOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "db.internal", got.Redacted["host"])
	assert.Regexp(t, regexp.MustCompile(`^airbyte_ws-1_[0-9a-f-]{36}_v1$`), got.Redacted["password"])

	require.Len(t, got.Paths, 1)
	assert.Equal(t, "/password", got.Paths[0].Path)
	assert.True(t, got.Paths[0].Managed)
	assert.Equal(t, got.Redacted["password"], got.Paths[0].Coordinate)

	require.Len(t, got.SecretConfigs, 1)
	assert.Equal(t, uint64(1), got.SecretConfigs[0].Version)
	assert.Equal(t, "workspace", got.SecretConfigs[0].ScopeType)
}

func TestSplitCommand_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    func(t *testing.T, dir string) []string
		wantErr string
	}{
		{
			name: "missing schema flag",
			args: func(t *testing.T, dir string) []string {
				return []string{"--input", writeFile(t, dir, "c.json", `{}`)}
			},
			wantErr: "schema",
		},
		{
			name: "input is not an object",
			args: func(t *testing.T, dir string) []string {
				return []string{
					"--input", writeFile(t, dir, "c.json", `["a"]`),
					"--schema", writeFile(t, dir, "s.json", passwordSchema),
				}
			},
			wantErr: "not a JSON object",
		},
		{
			name: "bad scope type",
			args: func(t *testing.T, dir string) []string {
				return []string{
					"--input", writeFile(t, dir, "c.json", `{}`),
					"--schema", writeFile(t, dir, "s.json", passwordSchema),
					"--scope-type", "galaxy",
				}
			},
			wantErr: "unknown scope type",
		},
		{
			name: "missing input file",
			args: func(t *testing.T, dir string) []string {
				return []string{
					"--input", filepath.Join(dir, "absent.json"),
					"--schema", writeFile(t, dir, "s.json", passwordSchema),
				}
			},
			wantErr: "not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, dir := newTestConfig(t, memoryConfig)
			_, err := execute(t, NewSplitCommand(cfg), tt.args(t, dir)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHydrateCommand_PassesThroughConfigWithoutSecrets(t *testing.T) {
	t.Parallel()

	cfg, dir := newTestConfig(t, memoryConfig)
	input := writeFile(t, dir, "redacted.json", `{"host": "db.internal", "port": 5432}`)

	out, err := execute(t, NewHydrateCommand(cfg), "--input", input)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string]interface{}{"host": "db.internal", "port": float64(5432)}, got)
}

func TestHydrateCommand_MissingSecretFails(t *testing.T) {
	t.Parallel()

	cfg, dir := newTestConfig(t, memoryConfig)
	input := writeFile(t, dir, "redacted.json", `{"password": "airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v1"}`)

	out, err := execute(t, NewHydrateCommand(cfg), "--input", input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/password")
	assert.Empty(t, out)
}

func TestHydrateCommand_List(t *testing.T) {
	t.Parallel()

	cfg, dir := newTestConfig(t, memoryConfig)
	input := writeFile(t, dir, "redacted.json", `{
		"password": "airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v3",
		"token": {"_secret": "arn:aws:secretsmanager:us-east-1:1:secret:tok"},
		"host": "db.internal"
	}`)

	out, err := execute(t, NewHydrateCommand(cfg), "--input", input, "--list")
	require.NoError(t, err)
	assert.Regexp(t, `/password\s+managed\s+airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v3`, out)
	assert.Regexp(t, `/token\s+external\s+arn:aws:secretsmanager`, out)
	assert.NotContains(t, out, "db.internal")
}

func TestCoordinateCommand(t *testing.T) {
	t.Parallel()

	const managed = "airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v2"

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr string
	}{
		{
			name: "parse managed",
			args: []string{"parse", managed},
			want: []string{"managed", "airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e", "2"},
		},
		{
			name: "parse external",
			args: []string{"parse", "projects/p/secrets/s"},
			want: []string{"external", "projects/p/secrets/s"},
		},
		{
			name: "next",
			args: []string{"next", managed},
			want: []string{"airbyte_ws-1_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v3"},
		},
		{
			name:    "next external",
			args:    []string{"next", "projects/p/secrets/s"},
			wantErr: "external coordinate",
		},
		{
			name: "mint default scope",
			args: []string{"mint"},
			want: []string{"airbyte_ws-1_", "_v1"},
		},
		{
			name: "mint explicit scope",
			args: []string{"mint", "--scope", "org-9"},
			want: []string{"airbyte_org-9_", "_v1"},
		},
		{
			name:    "parse requires an argument",
			args:    []string{"parse"},
			wantErr: "accepts 1 arg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, _ := newTestConfig(t, memoryConfig)
			out, err := execute(t, NewCoordinateCommand(cfg), tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestCoordinateCommand_MintWithoutScope(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, "version: 1\n")
	_, err := execute(t, NewCoordinateCommand(cfg), "mint")
	require.Error(t, err)

	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "scope", cfgErr.Field)
}

func TestCoordinateCommand_CustomPrefix(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, "coordinates:\n  prefix: acme_\n")
	out, err := execute(t, NewCoordinateCommand(cfg), "parse", "acme_ws_0b4f6c1e-8f7a-4a55-9a0b-2b7b8f1d2c3e_v1")
	require.NoError(t, err)
	assert.Contains(t, out, "managed")
}

func TestStoragesCommand_ListsConfiguredStorages(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, memoryConfig)
	out, err := execute(t, NewStoragesCommand(cfg), "--sync")
	require.NoError(t, err)

	assert.Contains(t, out, "Supported Storage Types:")
	assert.Contains(t, out, "aws_secrets_manager")
	assert.Regexp(t, `customer\s+memory\s+workspace/ws-1\s+read-only\s+configured`, out)
	assert.Regexp(t, `managed\s+memory\s+instance\s+read-write\s+configured \(default\)`, out)
}

func TestGetStorageDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		storageType  string
		wantContains string
	}{
		{"aws_secrets_manager", "AWS Secrets Manager"},
		{"gcp_secret_manager", "Google Cloud"},
		{"vault", "HashiCorp Vault"},
		{"local", "Postgres"},
		{"unknown", "No description available"},
	}

	for _, tt := range tests {
		t.Run(tt.storageType, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, getStorageDescription(tt.storageType), tt.wantContains)
		})
	}
}

func TestReferencesCommand(t *testing.T) {
	t.Parallel()

	t.Run("owner required", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestConfig(t, memoryConfig)
		_, err := execute(t, NewReferencesCommand(cfg))
		var cfgErr dserrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "owner", cfgErr.Field)
	})

	t.Run("nothing recorded", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestConfig(t, memoryConfig)
		out, err := execute(t, NewReferencesCommand(cfg), "--owner", "source-1")
		require.NoError(t, err)
		assert.Contains(t, out, "No active references for source-1")
	})
}

func TestMigrateCommand_RequiresDSN(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestConfig(t, memoryConfig)
	_, err := execute(t, NewMigrateCommand(cfg))

	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "references.dsn", cfgErr.Field)
}

func TestLoadDefinition_MissingDefaultFile(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Path: filepath.Join(t.TempDir(), "absent.yaml"), Logger: logging.Nop()}
	_, err := loadDefinition(cfg)
	require.Error(t, err)
}
