package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
server:
  address: ":9090"
  shutdown_timeout: 3s
storage:
  driver: SQLite
  dsn: "file:state/escrow.db"
events:
  retain: 16
  redis:
    enabled: true
    address: "127.0.0.1:6379"
auth:
  mode: signature
  max_skew: 2m
  nonce_store: redis
clock:
  source: system
bootstrap:
  admin: "0x00000000000000000000000000000000000000a1"
  arbitrator: "0x00000000000000000000000000000000000000a2"
ledger:
  genesis:
    - owner: "0x00000000000000000000000000000000000000b1"
      asset: "0x00000000000000000000000000000000000000e1"
      balance: 1000000
logging:
  level: debug
  audit:
    enabled: true
    path: logs/audit.log
`

func TestLoadAppliesDefaultsRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.ShutdownTimeout != 3*time.Second || cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "file:"+filepath.Join(dir, "state/escrow.db") {
		t.Fatalf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Auth.MaxSkew != 2*time.Minute || cfg.Auth.NonceStore != "redis" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if cfg.Events.Retain != 16 || cfg.Events.Redis.Stream != "escrow:events" || cfg.Events.RabbitMQ.Exchange != "escrow.events" {
		t.Fatalf("unexpected events config %+v", cfg.Events)
	}
	if len(cfg.Ledger.Genesis) != 1 || cfg.Ledger.Genesis[0].Balance != 1_000_000 {
		t.Fatalf("unexpected genesis %+v", cfg.Ledger.Genesis)
	}
	if !cfg.Bootstrap.Enabled() {
		t.Fatalf("bootstrap should be enabled")
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs/audit.log") {
		t.Fatalf("unexpected audit path %s", cfg.Logging.Audit.Path)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"), "/srv")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" || cfg.Auth.Mode != "signature" || cfg.Clock.Source != "system" || cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Bootstrap.Enabled() {
		t.Fatalf("bootstrap should be disabled by default")
	}

	cfg, err = Parse([]byte("storage:\n  driver: sqlite\n"), "/srv")
	if err != nil {
		t.Fatalf("parse sqlite: %v", err)
	}
	if !strings.HasPrefix(cfg.Storage.DSN, "file:/srv/data/escrow.db") {
		t.Fatalf("unexpected sqlite dsn %s", cfg.Storage.DSN)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvStorageDSN, "user:pass@tcp(db:3306)/escrow")
	t.Setenv(EnvRabbitMQURL, "amqp://guest:guest@mq:5672/")
	t.Setenv(EnvRedisPassword, "secret")

	cfg, err := Parse([]byte("storage:\n  driver: mysql\nevents:\n  rabbitmq:\n    enabled: true\n"), ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.DSN != "user:pass@tcp(db:3306)/escrow" || cfg.Events.RabbitMQ.URL != "amqp://guest:guest@mq:5672/" || cfg.Events.Redis.Password != "secret" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":     "storage:\n  driver: postgres\n",
		"mysql dsn":  "storage:\n  driver: mysql\n",
		"auth mode":  "auth:\n  mode: jwt\n",
		"nonce":      "auth:\n  nonce_store: redis\n",
		"clock":      "clock:\n  source: chain\n",
		"arbitrator": "bootstrap:\n  arbitrator: bob\n",
		"genesis":    "ledger:\n  genesis:\n    - owner: \"0x00000000000000000000000000000000000000b1\"\n      balance: 1\n",
		"rabbitmq":   "events:\n  rabbitmq:\n    enabled: true\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body), "."); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("expected default path")
	}
	t.Setenv(EnvConfigPath, "/etc/escrow.yaml")
	if PathFromEnv() != "/etc/escrow.yaml" {
		t.Fatalf("expected env path")
	}
}
