package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/remote"
)

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "node.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.Node.ID)
	assert.Equal(t, "127.0.0.1:8480", cfg.Node.Listen)
	assert.Equal(t, "/var/lib/circles/alpha.db", cfg.Database)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, "text", cfg.Log.Format)

	p := cfg.Policy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 10*time.Second, p.InitialInterval)
	assert.Equal(t, time.Hour, p.MaxInterval)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, time.Minute, p.JobInterval)
	assert.Equal(t, DefaultWorkers, cfg.Delivery.Workers)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.SyncTimeout.Std())

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Equal(t, "alpha", reg.LocalID())
	beta, ok := reg.Get("beta")
	require.True(t, ok)
	assert.Equal(t, remote.TrustTrusted, beta.Trust)
	assert.Equal(t, "beta-secret", beta.Secret)
	assert.Equal(t, remote.TrustPassive, reg.TrustOf("gamma"))
}

func TestLoad_CUE(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "node.cue"))
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.Node.ID)
	assert.Equal(t, "alpha.db", cfg.Database)
	assert.Equal(t, 2*time.Hour, cfg.Delivery.MaxInterval.Std())
	assert.Equal(t, 8, cfg.Delivery.Workers)
	assert.Equal(t, DefaultMaxRetries, cfg.Delivery.MaxRetries)
	assert.Equal(t, DefaultSyncTimeout, cfg.Dispatch.SyncTimeout.Std())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())

	remotes, err := cfg.RemoteNodes()
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, remote.TrustExternal, remotes[0].Trust)
}

func TestParseYAML_Defaults(t *testing.T) {
	cfg, err := ParseYAML([]byte("node: {id: n1}\ndatabase: n1.db\n"))
	require.NoError(t, err)

	p := cfg.Policy()
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 30*time.Second, p.InitialInterval)
	assert.Equal(t, time.Hour, p.MaxInterval)
	assert.Equal(t, 4.0, p.Multiplier)
	assert.Equal(t, time.Minute, p.JobInterval)
	assert.Equal(t, 4, cfg.Delivery.Workers)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.SyncTimeout.Std())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Empty(t, cfg.Remotes)
}

func TestParseYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown field",
			src:  "node: {id: n1}\ndatabase: n1.db\nport: 80\n",
			want: "field port not found",
		},
		{
			name: "missing node id",
			src:  "database: n1.db\n",
			want: "node.id: required",
		},
		{
			name: "missing database",
			src:  "node: {id: n1}\n",
			want: "database: required",
		},
		{
			name: "bad trust",
			src:  "node: {id: n1}\ndatabase: n1.db\nremotes: [{id: n2, trust: best}]\n",
			want: "trust: oneof",
		},
		{
			name: "duplicate remote",
			src:  "node: {id: n1}\ndatabase: n1.db\nremotes: [{id: n2, trust: passive}, {id: n2, trust: trusted}]\n",
			want: "remotes: unique=ID",
		},
		{
			name: "bad duration",
			src:  "node: {id: n1}\ndatabase: n1.db\ndispatch: {sync_timeout: soon}\n",
			want: "invalid duration",
		},
		{
			name: "bad address",
			src:  "node: {id: n1, addr: not a url}\ndatabase: n1.db\n",
			want: "node.addr: url",
		},
		{
			name: "bad log format",
			src:  "node: {id: n1}\ndatabase: n1.db\nlog: {format: xml}\n",
			want: "log.format: oneof",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseCUE_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", `node: id: "n1", database: "n1.db", port: 80`},
		{"bad trust", `node: id: "n1", database: "n1.db", remotes: [{id: "n2", trust: "best"}]`},
		{"bad duration", `node: id: "n1", database: "n1.db", dispatch: sync_timeout: "soon"`},
		{"not concrete", `node: id: string, database: "n1.db"`},
		{"zero retries", `node: id: "n1", database: "n1.db", delivery: max_retries: 0`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCUE("test.cue", []byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h30m")))
	assert.Equal(t, 90*time.Minute, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}
