package agent

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings configures the agent daemon. Variables use the PTN_AGENT_ prefix.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":3001"`
	CertFile   string `envconfig:"CERT_FILE" default:"/etc/ptn-agent/agent.crt"`
	KeyFile    string `envconfig:"KEY_FILE" default:"/etc/ptn-agent/agent.key"`
	// PEM file holding the client certificate(s) to trust. Without it any
	// client certificate is accepted.
	ClientCA string `envconfig:"CLIENT_CA" default:""`
	Shell    string `envconfig:"SHELL" default:"/bin/sh"`

	ForwardDialTimeout time.Duration `envconfig:"FORWARD_DIAL_TIMEOUT" default:"10s"`
}

// LoadSettings reads the agent configuration from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("PTN_AGENT", &s); err != nil {
		return s, fmt.Errorf("load agent config: %w", err)
	}
	return s, nil
}
