package bus

import (
	"crypto/tls"

	"github.com/cordum/policyhub/core/infra/tlsenv"
)

const (
	envNATSTLSCA         = "NATS_TLS_CA"
	envNATSTLSCert       = "NATS_TLS_CERT"
	envNATSTLSKey        = "NATS_TLS_KEY"
	envNATSTLSInsecure   = "NATS_TLS_INSECURE"
	envNATSTLSServerName = "NATS_TLS_SERVER_NAME"
)

var natsTLSVars = tlsenv.Vars{
	Name:       "nats",
	CA:         envNATSTLSCA,
	Cert:       envNATSTLSCert,
	Key:        envNATSTLSKey,
	Insecure:   envNATSTLSInsecure,
	ServerName: envNATSTLSServerName,
}

// natsTLSConfigFromEnv returns nil when no TLS variables are set.
func natsTLSConfigFromEnv() (*tls.Config, error) {
	return tlsenv.Load(natsTLSVars, nil)
}
