package broker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Connection defaults
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 6379
)

// TLSConfig names the certificate material for an encrypted connection.
type TLSConfig struct {
	// CAFile is the path to a file of concatenated CA certificates in PEM format.
	CAFile string `json:"ca_file,omitempty"`
	// CAPath is the path to a directory containing CA certificates in PEM format.
	CAPath string `json:"ca_path,omitempty"`
	// CertFile is the path to the client certificate.
	CertFile string `json:"cert_file,omitempty"`
	// KeyFile is the path to the client private key.
	KeyFile string `json:"key_file,omitempty"`
}

// Config holds the parameters for one broker connection. Unset fields inherit
// from the process-wide default when merged; the zero value is a valid
// localhost configuration once defaults are applied.
type Config struct {
	Host     string `json:"host,omitempty"`
	Port     *int   `json:"port,omitempty"`
	DB       *int   `json:"db,omitempty"`
	Username string `json:"username,omitempty"`

	// Password may be given inline, by naming an environment variable,
	// or by pointing at a file. Inline wins, then the variable, then the file.
	PasswordValue string `json:"password,omitempty"`
	PasswordEnv   string `json:"password_env_variable,omitempty"`
	PasswordFile  string `json:"password_file,omitempty"`

	TLS *TLSConfig `json:"ssl_configuration,omitempty"`
}

// Merge overlays explicitly set fields of override onto c and returns the
// effective configuration. Neither receiver nor argument is mutated.
func (c Config) Merge(override *Config) Config {
	if override == nil {
		return c
	}
	out := c
	if override.Host != "" {
		out.Host = override.Host
	}
	if override.Port != nil {
		out.Port = override.Port
	}
	if override.DB != nil {
		out.DB = override.DB
	}
	if override.Username != "" {
		out.Username = override.Username
	}
	if override.PasswordValue != "" {
		out.PasswordValue = override.PasswordValue
	}
	if override.PasswordEnv != "" {
		out.PasswordEnv = override.PasswordEnv
	}
	if override.PasswordFile != "" {
		out.PasswordFile = override.PasswordFile
	}
	if override.TLS != nil {
		out.TLS = override.TLS
	}
	return out
}

// EffectiveHost returns the configured host or the default.
func (c Config) EffectiveHost() string {
	if c.Host != "" {
		return c.Host
	}
	return DefaultHost
}

// EffectivePort returns the configured port or the default.
func (c Config) EffectivePort() int {
	if c.Port != nil {
		return *c.Port
	}
	return DefaultPort
}

// EffectiveDB returns the configured database index or 0.
func (c Config) EffectiveDB() int {
	if c.DB != nil {
		return *c.DB
	}
	return 0
}

// Addr returns the host:port address for dialing.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.EffectiveHost(), c.EffectivePort())
}

// Password resolves the connection password. Returns "" when none is
// configured or the named source is empty.
func (c Config) Password() string {
	if c.PasswordValue != "" {
		return c.PasswordValue
	}
	if c.PasswordEnv != "" {
		return os.Getenv(c.PasswordEnv)
	}
	if c.PasswordFile != "" {
		data, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return ""
		}
		return strings.TrimRight(string(data), "\r\n")
	}
	return ""
}

// Key returns a canonical identity for the effective connection parameters.
// Two configs with equal keys share one pooled connection.
func (c Config) Key() string {
	parts := []string{
		c.EffectiveHost(),
		strconv.Itoa(c.EffectivePort()),
		strconv.Itoa(c.EffectiveDB()),
		c.Username,
	}
	if c.TLS != nil {
		parts = append(parts, c.TLS.CAFile, c.TLS.CAPath, c.TLS.CertFile, c.TLS.KeyFile)
	}
	return strings.Join(parts, "|")
}

// TLSClientConfig builds a tls.Config from the configured certificate
// material. Returns (nil, nil) when TLS is not configured.
func (c Config) TLSClientConfig() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.TLS.CAFile != "" || c.TLS.CAPath != "" {
		pool := x509.NewCertPool()
		if c.TLS.CAFile != "" {
			pem, err := os.ReadFile(c.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("no CA certificates found in " + c.TLS.CAFile)
			}
		}
		if c.TLS.CAPath != "" {
			entries, err := os.ReadDir(c.TLS.CAPath)
			if err != nil {
				return nil, fmt.Errorf("read ca path: %w", err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				pem, err := os.ReadFile(filepath.Join(c.TLS.CAPath, entry.Name()))
				if err != nil {
					return nil, fmt.Errorf("read ca path entry: %w", err)
				}
				pool.AppendCertsFromPEM(pem)
			}
		}
		cfg.RootCAs = pool
	}

	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
