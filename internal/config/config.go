package config

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/protonet"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/protonet/protonet.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/var/lib/protonet/protonet.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8022"`
	HostsFile    string `envconfig:"HOSTS_FILE" default:""`

	// bcrypt hash of the API bearer token. Empty disables auth, which is
	// only allowed on a loopback listen address.
	APITokenHash string `envconfig:"API_TOKEN_HASH" default:""`

	// Extra origins (host patterns) allowed to open terminal websockets.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// Relay and buffer settings
	RelayBufferSize int    `envconfig:"RELAY_BUFFER_SIZE" default:"4096"`
	ScrollbackSize  int    `envconfig:"SCROLLBACK_SIZE" default:"1048576"`
	DefaultEncoding string `envconfig:"DEFAULT_ENCODING" default:"UTF-8"`

	// Transport settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	PromptTimeout     time.Duration `envconfig:"PROMPT_TIMEOUT" default:"2m"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	LocalShell        string        `envconfig:"LOCAL_SHELL" default:"/bin/sh"`
	EnableLocalShell  bool          `envconfig:"ENABLE_LOCAL_SHELL" default:"false"`

	// Connectivity monitor. An empty probe address disables the monitor.
	ConnectivityProbe    string `envconfig:"CONNECTIVITY_PROBE" default:""`
	ConnectivitySchedule string `envconfig:"CONNECTIVITY_SCHEDULE" default:"@every 15s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("PROTONET", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// IsLoopback reports whether addr (host:port) only listens on a loopback
// interface. An empty host means every interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckExposure refuses an unauthenticated API on a non-loopback address.
func CheckExposure(addr string, authEnabled bool) error {
	if authEnabled || IsLoopback(addr) {
		return nil
	}
	return fmt.Errorf("refusing to serve %s without PROTONET_API_TOKEN_HASH: set a token hash or listen on a loopback address", addr)
}
