package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type OrderMode string

const (
	// OrderStrict stops a drain pass at the first failure.
	OrderStrict OrderMode = "strict"
	// OrderIndependent skips failures and keeps draining.
	OrderIndependent OrderMode = "independent"
)

type Config struct {
	DeviceID    string `mapstructure:"device_id" yaml:"device_id"`
	DeviceToken string `mapstructure:"device_token" yaml:"-"`
	DBPath      string `mapstructure:"db_path" yaml:"db_path"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	StatusAddr  string `mapstructure:"status_addr" yaml:"status_addr"`

	PrimaryURL      string `mapstructure:"primary_url" yaml:"primary_url"`
	LocalGatewayURL string `mapstructure:"local_gateway_url" yaml:"local_gateway_url"`
	PrintAgentURL   string `mapstructure:"print_agent_url" yaml:"print_agent_url"`
	PaymentAgentURL string `mapstructure:"payment_agent_url" yaml:"payment_agent_url"`
	RemotePrintURL  string `mapstructure:"remote_print_url" yaml:"remote_print_url"`
	RemotePayURL    string `mapstructure:"remote_payment_url" yaml:"remote_payment_url"`
	HealthPath      string `mapstructure:"health_path" yaml:"health_path"`

	ProbeInterval       time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	PrimaryProbeTimeout time.Duration `mapstructure:"primary_probe_timeout" yaml:"primary_probe_timeout"`
	LocalProbeTimeout   time.Duration `mapstructure:"local_probe_timeout" yaml:"local_probe_timeout"`
	DownAfterFailures   int           `mapstructure:"down_after_failures" yaml:"down_after_failures"`
	UpAfterSuccesses    int           `mapstructure:"up_after_successes" yaml:"up_after_successes"`

	GenericTimeout    time.Duration `mapstructure:"generic_timeout" yaml:"generic_timeout"`
	PaymentTimeout    time.Duration `mapstructure:"payment_timeout" yaml:"payment_timeout"`
	LocalAgentTimeout time.Duration `mapstructure:"local_agent_timeout" yaml:"local_agent_timeout"`

	QueueOrder          OrderMode     `mapstructure:"queue_order" yaml:"queue_order"`
	PrintQueueOrder     OrderMode     `mapstructure:"print_queue_order" yaml:"print_queue_order"`
	ReplayInterval      time.Duration `mapstructure:"replay_interval" yaml:"replay_interval"`
	ReplayRetryInitial  time.Duration `mapstructure:"replay_retry_initial" yaml:"replay_retry_initial"`
	ReplayRetryMax      time.Duration `mapstructure:"replay_retry_max" yaml:"replay_retry_max"`
	SyncInitialDelay    time.Duration `mapstructure:"sync_initial_delay" yaml:"sync_initial_delay"`
	SyncMaxDelay        time.Duration `mapstructure:"sync_max_delay" yaml:"sync_max_delay"`
	SyncMultiplier      float64       `mapstructure:"sync_multiplier" yaml:"sync_multiplier"`
	SyncConcurrency     int           `mapstructure:"sync_concurrency" yaml:"sync_concurrency"`
	SyncSweepInterval   time.Duration `mapstructure:"sync_sweep_interval" yaml:"sync_sweep_interval"`
	SyncCompletedCap    int           `mapstructure:"sync_completed_cap" yaml:"sync_completed_cap"`
	DeployNATSURL       string        `mapstructure:"deploy_nats_url" yaml:"deploy_nats_url"`
	DeploySubject       string        `mapstructure:"deploy_subject" yaml:"deploy_subject"`
	DeployDownloadDir   string        `mapstructure:"deploy_download_dir" yaml:"deploy_download_dir"`
	DownloadTimeout     time.Duration `mapstructure:"deploy_download_timeout" yaml:"deploy_download_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	AckTimeout          time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	ReconnectBase       time.Duration `mapstructure:"reconnect_base" yaml:"reconnect_base"`
	ReconnectMultiplier float64       `mapstructure:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	DeliveryURL         string        `mapstructure:"delivery_url" yaml:"delivery_url"`
	HubAddr             string        `mapstructure:"hub_addr" yaml:"hub_addr"`
}

func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "posrelay-local"
	}
	return Config{
		DeviceID:            hostname,
		DBPath:              defaultDBPath(),
		LogLevel:            "info",
		StatusAddr:          "127.0.0.1:7410",
		PrimaryURL:          "https://api.example-pos.cloud",
		LocalGatewayURL:     "http://127.0.0.1:7400",
		PrintAgentURL:       "http://127.0.0.1:7401",
		PaymentAgentURL:     "http://127.0.0.1:7402",
		HealthPath:          "/healthz",
		ProbeInterval:       30 * time.Second,
		PrimaryProbeTimeout: 3 * time.Second,
		LocalProbeTimeout:   1500 * time.Millisecond,
		DownAfterFailures:   2,
		UpAfterSuccesses:    1,
		GenericTimeout:      10 * time.Second,
		PaymentTimeout:      30 * time.Second,
		LocalAgentTimeout:   5 * time.Second,
		QueueOrder:          OrderStrict,
		PrintQueueOrder:     OrderIndependent,
		ReplayInterval:      30 * time.Second,
		ReplayRetryInitial:  2 * time.Second,
		ReplayRetryMax:      2 * time.Minute,
		SyncInitialDelay:    60 * time.Second,
		SyncMaxDelay:        600 * time.Second,
		SyncMultiplier:      2,
		SyncConcurrency:     1,
		SyncSweepInterval:   5 * time.Minute,
		SyncCompletedCap:    4096,
		DeploySubject:       "deploy.notify",
		DeployDownloadDir:   filepath.Join(os.TempDir(), "posrelay-packages"),
		DownloadTimeout:     5 * time.Minute,
		HeartbeatInterval:   15 * time.Second,
		AckTimeout:          5 * time.Second,
		ReconnectBase:       time.Second,
		ReconnectMultiplier: 1.5,
		ReconnectMax:        30 * time.Second,
		HubAddr:             "127.0.0.1:7420",
	}
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the POSRELAY_ prefix (e.g. POSRELAY_PRIMARY_URL).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("POSRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("device_id", d.DeviceID)
	v.SetDefault("device_token", d.DeviceToken)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("status_addr", d.StatusAddr)
	v.SetDefault("primary_url", d.PrimaryURL)
	v.SetDefault("local_gateway_url", d.LocalGatewayURL)
	v.SetDefault("print_agent_url", d.PrintAgentURL)
	v.SetDefault("payment_agent_url", d.PaymentAgentURL)
	v.SetDefault("remote_print_url", d.RemotePrintURL)
	v.SetDefault("remote_payment_url", d.RemotePayURL)
	v.SetDefault("health_path", d.HealthPath)
	v.SetDefault("probe_interval", d.ProbeInterval)
	v.SetDefault("primary_probe_timeout", d.PrimaryProbeTimeout)
	v.SetDefault("local_probe_timeout", d.LocalProbeTimeout)
	v.SetDefault("down_after_failures", d.DownAfterFailures)
	v.SetDefault("up_after_successes", d.UpAfterSuccesses)
	v.SetDefault("generic_timeout", d.GenericTimeout)
	v.SetDefault("payment_timeout", d.PaymentTimeout)
	v.SetDefault("local_agent_timeout", d.LocalAgentTimeout)
	v.SetDefault("queue_order", string(d.QueueOrder))
	v.SetDefault("print_queue_order", string(d.PrintQueueOrder))
	v.SetDefault("replay_interval", d.ReplayInterval)
	v.SetDefault("replay_retry_initial", d.ReplayRetryInitial)
	v.SetDefault("replay_retry_max", d.ReplayRetryMax)
	v.SetDefault("sync_initial_delay", d.SyncInitialDelay)
	v.SetDefault("sync_max_delay", d.SyncMaxDelay)
	v.SetDefault("sync_multiplier", d.SyncMultiplier)
	v.SetDefault("sync_concurrency", d.SyncConcurrency)
	v.SetDefault("sync_sweep_interval", d.SyncSweepInterval)
	v.SetDefault("sync_completed_cap", d.SyncCompletedCap)
	v.SetDefault("deploy_nats_url", d.DeployNATSURL)
	v.SetDefault("deploy_subject", d.DeploySubject)
	v.SetDefault("deploy_download_dir", d.DeployDownloadDir)
	v.SetDefault("deploy_download_timeout", d.DownloadTimeout)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("reconnect_base", d.ReconnectBase)
	v.SetDefault("reconnect_multiplier", d.ReconnectMultiplier)
	v.SetDefault("reconnect_max", d.ReconnectMax)
	v.SetDefault("delivery_url", d.DeliveryURL)
	v.SetDefault("hub_addr", d.HubAddr)
}

// Validate checks the configuration once at startup.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path is required")
	}
	urls := map[string]string{
		"primary_url":       c.PrimaryURL,
		"local_gateway_url": c.LocalGatewayURL,
		"print_agent_url":   c.PrintAgentURL,
		"payment_agent_url": c.PaymentAgentURL,
	}
	for name, raw := range urls {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for name, raw := range map[string]string{"remote_print_url": c.RemotePrintURL, "remote_payment_url": c.RemotePayURL, "delivery_url": c.DeliveryURL} {
		if raw == "" {
			continue
		}
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	durations := map[string]time.Duration{
		"probe_interval":          c.ProbeInterval,
		"primary_probe_timeout":   c.PrimaryProbeTimeout,
		"local_probe_timeout":     c.LocalProbeTimeout,
		"generic_timeout":         c.GenericTimeout,
		"payment_timeout":         c.PaymentTimeout,
		"local_agent_timeout":     c.LocalAgentTimeout,
		"replay_interval":         c.ReplayInterval,
		"sync_initial_delay":      c.SyncInitialDelay,
		"sync_max_delay":          c.SyncMaxDelay,
		"sync_sweep_interval":     c.SyncSweepInterval,
		"heartbeat_interval":      c.HeartbeatInterval,
		"ack_timeout":             c.AckTimeout,
		"reconnect_base":          c.ReconnectBase,
		"reconnect_max":           c.ReconnectMax,
		"deploy_download_timeout": c.DownloadTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.PrimaryProbeTimeout > 3*time.Second {
		return errors.New("primary_probe_timeout must not exceed 3s")
	}
	if c.SyncMaxDelay < c.SyncInitialDelay {
		return errors.New("sync_max_delay must be >= sync_initial_delay")
	}
	if c.ReconnectMax < c.ReconnectBase {
		return errors.New("reconnect_max must be >= reconnect_base")
	}
	if c.SyncMultiplier < 1 || c.ReconnectMultiplier < 1 {
		return errors.New("backoff multipliers must be >= 1")
	}
	if c.DownAfterFailures < 1 || c.UpAfterSuccesses < 1 {
		return errors.New("monitor thresholds must be >= 1")
	}
	if c.SyncConcurrency < 1 {
		return errors.New("sync_concurrency must be >= 1")
	}
	for name, mode := range map[string]OrderMode{"queue_order": c.QueueOrder, "print_queue_order": c.PrintQueueOrder} {
		if mode != OrderStrict && mode != OrderIndependent {
			return fmt.Errorf("%s must be %q or %q", name, OrderStrict, OrderIndependent)
		}
	}
	return nil
}

// YAML renders the effective configuration. The device token is never rendered.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url host is required")
	}
	return nil
}

// Holder publishes the active configuration. Reconfigure swaps the whole
// object; readers never see a partially updated Config.
type Holder struct {
	current atomic.Pointer[Config]
}

func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.current.Store(&cfg)
	return h
}

func (h *Holder) Get() Config {
	return *h.current.Load()
}

func (h *Holder) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	h.current.Store(&cfg)
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "posrelay.db"
	}
	return filepath.Join(home, ".local", "state", "posrelay", "relay.db")
}
