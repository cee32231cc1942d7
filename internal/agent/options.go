// Package agent runs on the device: it holds the outbound session to the hub,
// executes commands at most once per idempotency key and reports status.
package agent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/installer"

	"github.com/spf13/viper"
)

// Options is the agent configuration, read from EDGEAGENT_* variables and an
// optional YAML file.
type Options struct {
	DeviceID string `mapstructure:"device_id"`
	HubURL   string `mapstructure:"hub_url"`

	Token             string `mapstructure:"token"`
	TokenFile         string `mapstructure:"token_file"`
	FactorySecretFile string `mapstructure:"factory_secret_file"`
	CredentialScheme  string `mapstructure:"credential_scheme"`

	DataDir   string `mapstructure:"data_dir"`
	SkillRoot string `mapstructure:"skill_root"`

	Capabilities []string `mapstructure:"capabilities"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	QueueSize         int           `mapstructure:"queue_size"`
	LedgerRetention   time.Duration `mapstructure:"ledger_retention"`

	AllowInsecureHTTP bool          `mapstructure:"allow_insecure_http"`
	DownloadRetries   int           `mapstructure:"download_retries"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	InstallRetries    int           `mapstructure:"install_retries"`
	S3Region          string        `mapstructure:"s3_region"`
	S3Anonymous       bool          `mapstructure:"s3_anonymous"`

	RebootCommand string `mapstructure:"reboot_command"`

	Log LogOptions `mapstructure:"log"`
}

// LoadOptions reads configuration from the environment and, when configFile is
// set or an edgeagent.yaml is found, from that file.
func LoadOptions(configFile string) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix("EDGEAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("device_id", "")
	v.SetDefault("hub_url", "ws://localhost:8080/device/session")
	v.SetDefault("token", "")
	v.SetDefault("token_file", "")
	v.SetDefault("factory_secret_file", "")
	v.SetDefault("credential_scheme", "hmac-sha256")
	v.SetDefault("data_dir", "/var/lib/edgeagent")
	v.SetDefault("skill_root", "")
	v.SetDefault("capabilities", []string{})
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("reconnect_base", time.Second)
	v.SetDefault("reconnect_max", 5*time.Minute)
	v.SetDefault("queue_size", 64)
	v.SetDefault("ledger_retention", 30*24*time.Hour)
	v.SetDefault("allow_insecure_http", false)
	v.SetDefault("download_retries", 3)
	v.SetDefault("download_timeout", 5*time.Minute)
	v.SetDefault("install_retries", 3)
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("s3_anonymous", true)
	v.SetDefault("reboot_command", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("edgeagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/edgeagent")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if opts.SkillRoot == "" {
		opts.SkillRoot = filepath.Join(opts.DataDir, "skills")
	}
	return &opts, nil
}

// Validate checks the settings a running agent needs
func (o *Options) Validate() error {
	if strings.TrimSpace(o.DeviceID) == "" {
		return errors.New("device_id must be set")
	}
	if o.HubURL == "" {
		return errors.New("hub_url must be set")
	}
	if o.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if err := installer.EnsureWithin(o.DataDir, o.SkillRoot); err != nil {
		return fmt.Errorf("skill_root must be inside data_dir: %w", err)
	}
	if o.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	return nil
}

// LedgerPath is the sqlite ledger location
func (o *Options) LedgerPath() string { return filepath.Join(o.DataDir, "ledger.db") }

// WorkflowDir holds the durable install workflow state
func (o *Options) WorkflowDir() string { return filepath.Join(o.DataDir, "workflows") }

// LoadToken returns the device token from the option or the token file
func (o *Options) LoadToken() (string, error) {
	if o.Token != "" {
		return o.Token, nil
	}
	if o.TokenFile == "" {
		return "", errors.New("no device token configured")
	}
	data, err := os.ReadFile(o.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadFactorySecret reads the hex-encoded factory secret
func (o *Options) LoadFactorySecret() ([]byte, error) {
	if o.FactorySecretFile == "" {
		return nil, errors.New("factory_secret_file must be set")
	}
	data, err := os.ReadFile(o.FactorySecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read factory secret: %w", err)
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("factory secret is not hex: %w", err)
	}
	return secret, nil
}
