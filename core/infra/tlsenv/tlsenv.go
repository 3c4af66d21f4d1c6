// Package tlsenv builds client TLS configs from environment variables.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Vars names the variables that describe one TLS client. Name prefixes errors.
type Vars struct {
	Name       string
	CA         string
	Cert       string
	Key        string
	Insecure   string
	ServerName string
}

// ForPrefix returns the <PREFIX>_TLS_* variable set, e.g. NATS_TLS_CA.
func ForPrefix(prefix string) Vars {
	p := strings.ToUpper(strings.TrimSpace(prefix))
	return Vars{
		Name:       strings.ToLower(p),
		CA:         p + "_TLS_CA",
		Cert:       p + "_TLS_CERT",
		Key:        p + "_TLS_KEY",
		Insecure:   p + "_TLS_INSECURE",
		ServerName: p + "_TLS_SERVER_NAME",
	}
}

// Load layers the variables in v over base. When none are set base is
// returned untouched, which may be nil.
func Load(v Vars, base *tls.Config) (*tls.Config, error) {
	caPath := lookup(v.CA)
	certPath := lookup(v.Cert)
	keyPath := lookup(v.Key)
	serverName := lookup(v.ServerName)
	insecure := Bool(v.Insecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return base, nil
	}

	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opt-in.
	}
	if caPath != "" {
		// #nosec G304 -- path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls ca read: %w", v.Name, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s tls ca parse: %s", v.Name, caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s tls cert/key must be set together", v.Name)
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls keypair: %w", v.Name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Bool reads a truthy environment flag.
func Bool(key string) bool {
	switch strings.ToLower(lookup(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func lookup(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}
