package userdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "userdata.ini")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
# Game credentials.
data-url = http://data.example:8879
data-websocket = ws://data.example:8879/websocket
game = mygame
login = dev
password = hunter2
game-url = http://game.example:7000
game-port = 7000
game-port = 7001
default-userdata = http://other.example
allow-local = true
no-allow-others = 0
allow-new-players = TRUE
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Game != "mygame" || cfg.Login != "dev" || cfg.Password != "hunter2" {
		t.Errorf("credentials = %q/%q/%q", cfg.Game, cfg.Login, cfg.Password)
	}
	if diff := cmp.Diff([]string{"7000", "7001"}, cfg.GamePorts); diff != "" {
		t.Errorf("repeated game-port keys mismatch; diff:\n%s", diff)
	}
	if !cfg.AllowLocal || cfg.NoAllowOther || !cfg.AllowNewPlayers {
		t.Errorf("bools = %v/%v/%v", cfg.AllowLocal, cfg.NoAllowOther, cfg.AllowNewPlayers)
	}
}

func TestLoadConfigBadBool(t *testing.T) {
	path := writeTempConfig(t, "allow-local = maybe\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted a bad boolean")
	}
}

func TestParseBool(t *testing.T) {
	for _, src := range []string{"1", "true", "True", "TRUE"} {
		if v, err := parseBool(src); err != nil || !v {
			t.Errorf("parseBool(%q) = %v, %v", src, v, err)
		}
	}
	for _, src := range []string{"0", "false", "False", "FALSE"} {
		if v, err := parseBool(src); err != nil || v {
			t.Errorf("parseBool(%q) = %v, %v", src, v, err)
		}
	}
	for _, src := range []string{"yes", "no", "", "2"} {
		if _, err := parseBool(src); err == nil {
			t.Errorf("parseBool(%q) succeeded", src)
		}
	}
}

func loadWithArgs(t *testing.T, path string, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse(append([]string{"--userdata", path}, args...)); err != nil {
		t.Fatal(err)
	}
	return flags.Load()
}

func TestOverridePrecedence(t *testing.T) {
	base := `
game-url = http://game.example:7000
default-userdata = http://other.example
allow-local = false
`
	t.Run("cli_wins_when_supplied", func(t *testing.T) {
		cfg, err := loadWithArgs(t, writeTempConfig(t, base), "--allow-local")
		if err != nil {
			t.Fatal(err)
		}
		if !cfg.AllowLocal {
			t.Error("explicit --allow-local did not override the file")
		}
	})

	t.Run("file_wins_without_cli", func(t *testing.T) {
		cfg, err := loadWithArgs(t, writeTempConfig(t, base))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.AllowLocal {
			t.Error("file value was overridden by an unsupplied flag")
		}
	})

	t.Run("default_without_either", func(t *testing.T) {
		cfg, err := loadWithArgs(t, writeTempConfig(t, "game-url = http://game.example:7000\ndefault-userdata = http://x\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.AllowLocal || cfg.NoAllowOther || cfg.AllowNewPlayers {
			t.Error("documented defaults are all false")
		}
	})
}

func TestMissingConfigFatalOutsideSetup(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.ini")
	if _, err := loadWithArgs(t, missing); err == nil {
		t.Fatal("missing config accepted outside setup mode")
	}
	if _, err := loadWithArgs(t, missing, "--userdata-setup"); err != nil {
		t.Fatalf("missing config rejected in setup mode: %v", err)
	}
}

func TestGamePortFromURL(t *testing.T) {
	cfg, err := loadWithArgs(t, writeTempConfig(t, "game-url = http://game.example:7123\ndefault-userdata = http://x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"7123"}, cfg.GamePorts); diff != "" {
		t.Errorf("derived game port mismatch; diff:\n%s", diff)
	}

	cfg, err = loadWithArgs(t, writeTempConfig(t, "game-url = https://game.example\ndefault-userdata = http://x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"443"}, cfg.GamePorts); diff != "" {
		t.Errorf("scheme-derived game port mismatch; diff:\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{DefaultUserdata: "  ", AllowLocal: false}
	if err := cfg.Validate(); err == nil {
		t.Error("empty default-userdata without allow-local passed validation")
	}
	cfg.AllowLocal = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("coherent policy rejected: %v", err)
	}
	cfg = &Config{DefaultUserdata: "http://other.example"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("external-only policy rejected: %v", err)
	}
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userdata.ini")
	cfg := &Config{
		DataURL:         "http://data.example:8879",
		DataWebsocket:   "ws://data.example:8879/websocket",
		Game:            "mygame",
		Login:           "dev",
		Password:        "hunter2",
		GameURL:         "http://game.example:7000",
		GamePorts:       []string{"7000", "7001"},
		DefaultUserdata: "",
		AllowLocal:      true,
		Path:            path,
	}
	if err := writeConfig(cfg); err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.Game != cfg.Game || loaded.Login != cfg.Login || !loaded.AllowLocal {
		t.Errorf("reloaded config mismatch: %+v", loaded)
	}
	if diff := cmp.Diff(cfg.GamePorts, loaded.GamePorts); diff != "" {
		t.Errorf("reloaded ports mismatch; diff:\n%s", diff)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "allow-local = true") {
		t.Errorf("generated file missing allow-local:\n%s", data)
	}
}
