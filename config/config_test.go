package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "memory", cfg.Storage.Driver)
		assert.Equal(t, "advance", cfg.Workflow.RejectPolicy)
		assert.Equal(t, 2*time.Second, cfg.Workflow.CounterTimeoutDuration())
		assert.Equal(t, 100, cfg.Workflow.EventBuffer)
		assert.Equal(t, 30, cfg.Workflow.EventTimeout)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
		assert.Equal(t, "ticketflow:", cfg.Redis.KeyPrefix)
	})

	t.Run("YAMLAndEnvOverride", func(t *testing.T) {
		path := writeConfig(t, `
storage:
  driver: database
database:
  driver: postgres
  host: db.internal
  dbname: grc
mail:
  host: smtp.internal
  default_to: [grc@example.com]
workflow:
  reject_policy: end_on_reject
auth:
  jwt_secret: from-file
`)
		t.Setenv("DB_HOST", "db.override")
		t.Setenv("JWT_SECRET", "from-env")
		t.Setenv("SMTP_PORT", "2525")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "db.override", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
		assert.Equal(t, 2525, cfg.Mail.Port)
		assert.Equal(t, []string{"grc@example.com"}, cfg.Mail.DefaultTo)
		assert.Equal(t, "end_on_reject", cfg.Workflow.RejectPolicy)
		assert.Equal(t, "host=db.override port=5432 user= password= dbname=grc sslmode=disable", cfg.Database.DSN())
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			name string
			body string
		}{
			{"Unknown storage", "storage: {driver: etcd}\nauth: {jwt_secret: s}"},
			{"Missing database host", "storage: {driver: database}\nauth: {jwt_secret: s}"},
			{"Sqlite without path", "storage: {driver: database}\ndatabase: {driver: sqlite}\nauth: {jwt_secret: s}"},
			{"Unknown policy", "workflow: {reject_policy: rollback}\nauth: {jwt_secret: s}"},
			{"Missing secret", "server: {addr: ':9000'}"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Setenv("JWT_SECRET", "")
				_, err := Load(writeConfig(t, tt.body))
				assert.Error(t, err)
			})
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("MySQLDSN", func(t *testing.T) {
		c := DatabaseConfig{Driver: "mysql", Host: "h", User: "u", Password: "p", DBName: "d"}
		c.SetDefaults()
		assert.Equal(t, "u:p@tcp(h:3306)/d?charset=utf8mb4&parseTime=True&loc=Local", c.DSN())
	})
}
