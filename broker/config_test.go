package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func intPtr(n int) *int { return &n }

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.EffectiveHost(); got != DefaultHost {
		t.Errorf("EffectiveHost = %q, want %q", got, DefaultHost)
	}
	if got := cfg.EffectivePort(); got != DefaultPort {
		t.Errorf("EffectivePort = %d, want %d", got, DefaultPort)
	}
	if got := cfg.EffectiveDB(); got != 0 {
		t.Errorf("EffectiveDB = %d, want 0", got)
	}
	if got := cfg.Addr(); got != "127.0.0.1:6379" {
		t.Errorf("Addr = %q", got)
	}
}

func TestConfigMerge(t *testing.T) {
	base := Config{
		Host:        "redis.internal",
		Port:        intPtr(6380),
		Username:    "svc",
		PasswordEnv: "REDIS_PASSWORD",
	}

	t.Run("nil override keeps base", func(t *testing.T) {
		if diff := cmp.Diff(base, base.Merge(nil)); diff != "" {
			t.Errorf("merge changed base (-want +got):\n%s", diff)
		}
	})

	t.Run("set fields win", func(t *testing.T) {
		got := base.Merge(&Config{Host: "other.internal", DB: intPtr(3)})
		want := base
		want.Host = "other.internal"
		want.DB = intPtr(3)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("merge mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("unset fields inherit", func(t *testing.T) {
		got := base.Merge(&Config{})
		if diff := cmp.Diff(base, got); diff != "" {
			t.Errorf("empty override should be a no-op (-want +got):\n%s", diff)
		}
	})

	t.Run("explicit zero port overrides", func(t *testing.T) {
		got := base.Merge(&Config{Port: intPtr(0)})
		if got.EffectivePort() != 0 {
			t.Errorf("EffectivePort = %d, want 0", got.EffectivePort())
		}
	})
}

func TestConfigPassword(t *testing.T) {
	t.Run("inline wins", func(t *testing.T) {
		t.Setenv("TEST_RELAY_PW", "from-env")
		cfg := Config{PasswordValue: "inline", PasswordEnv: "TEST_RELAY_PW"}
		if got := cfg.Password(); got != "inline" {
			t.Errorf("Password = %q, want inline", got)
		}
	})

	t.Run("environment variable", func(t *testing.T) {
		t.Setenv("TEST_RELAY_PW", "from-env")
		cfg := Config{PasswordEnv: "TEST_RELAY_PW"}
		if got := cfg.Password(); got != "from-env" {
			t.Errorf("Password = %q, want from-env", got)
		}
	})

	t.Run("file with trailing newline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pw")
		if err := os.WriteFile(path, []byte("sekrit\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := Config{PasswordFile: path}
		if got := cfg.Password(); got != "sekrit" {
			t.Errorf("Password = %q, want sekrit", got)
		}
	})

	t.Run("missing file yields empty", func(t *testing.T) {
		cfg := Config{PasswordFile: filepath.Join(t.TempDir(), "absent")}
		if got := cfg.Password(); got != "" {
			t.Errorf("Password = %q, want empty", got)
		}
	})
}

func TestConfigKey(t *testing.T) {
	a := Config{Host: "redis.internal", DB: intPtr(2)}
	b := Config{Host: "redis.internal", DB: intPtr(2), PasswordValue: "x"}
	if a.Key() != b.Key() {
		t.Errorf("credentials should not split pooling: %q vs %q", a.Key(), b.Key())
	}

	c := Config{Host: "redis.internal", DB: intPtr(3)}
	if a.Key() == c.Key() {
		t.Errorf("different databases must not share a key: %q", a.Key())
	}
}

func TestTLSClientConfig(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		var cfg Config
		tlsCfg, err := cfg.TLSClientConfig()
		if err != nil || tlsCfg != nil {
			t.Errorf("got (%v, %v), want (nil, nil)", tlsCfg, err)
		}
	})

	t.Run("missing ca file", func(t *testing.T) {
		cfg := Config{TLS: &TLSConfig{CAFile: filepath.Join(t.TempDir(), "absent.pem")}}
		if _, err := cfg.TLSClientConfig(); err == nil {
			t.Error("expected error for missing CA file")
		}
	})
}
