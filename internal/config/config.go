package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Settings holds the gateway configuration read from GATEWAY_* variables.
type Settings struct {
	ListenAddr       string `envconfig:"LISTEN_ADDR" default:":10080"`
	SessionNamespace string `envconfig:"SESSION_NAMESPACE" default:"workshop"`
	IngressDomain    string `envconfig:"INGRESS_DOMAIN" default:"127-0-0-1.nip.io"`
	IngressFile      string `envconfig:"INGRESS_FILE" default:""`

	// IdentityToken authenticates terminal clients. Generated at startup
	// when empty and handed to the dashboard out of band.
	IdentityToken          string `envconfig:"IDENTITY_TOKEN" default:""`
	IdentityTokenGenerated bool   `ignored:"true"`

	// HeaderToken is substituted into ingress header templates. When empty
	// it is read from HeaderTokenFile if that file exists.
	HeaderToken     string `envconfig:"HEADER_TOKEN" default:""`
	HeaderTokenFile string `envconfig:"HEADER_TOKEN_FILE" default:"/var/run/secrets/kubernetes.io/serviceaccount/token"`

	TerminalCommand    string   `envconfig:"TERMINAL_COMMAND" default:"/bin/bash"`
	TerminalArgs       []string `envconfig:"TERMINAL_ARGS" default:"-il"`
	TerminalCols       uint16   `envconfig:"TERMINAL_COLS" default:"80"`
	TerminalRows       uint16   `envconfig:"TERMINAL_ROWS" default:"25"`
	TerminalBufferSize int      `envconfig:"TERMINAL_BUFFER_SIZE" default:"50000"`
	TerminalSendQueue  int      `envconfig:"TERMINAL_SEND_QUEUE" default:"256"`
	TerminalInputRate  float64  `envconfig:"TERMINAL_INPUT_RATE" default:"200"`
	TerminalInputBurst int      `envconfig:"TERMINAL_INPUT_BURST" default:"200"`

	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads the environment and resolves the tokens.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("GATEWAY", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.resolveTokens(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) resolveTokens() error {
	if s.IdentityToken == "" {
		s.IdentityToken = uuid.NewString()
		s.IdentityTokenGenerated = true
	}
	if s.HeaderToken == "" && s.HeaderTokenFile != "" {
		data, err := os.ReadFile(s.HeaderTokenFile)
		switch {
		case err == nil:
			s.HeaderToken = strings.TrimSpace(string(data))
		case os.IsNotExist(err):
		default:
			return fmt.Errorf("read header token: %w", err)
		}
	}
	return nil
}
