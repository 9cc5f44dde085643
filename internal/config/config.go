package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version int          `yaml:"version"`
	Global  GlobalConfig `yaml:"global"`
	Sources []Source     `yaml:"sources"`
	Detect  DetectConfig `yaml:"detect"`
	Alerts  []Alert      `yaml:"alerts"`
	Sinks   []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath            string   `yaml:"db_path"`
	Concurrency       int      `yaml:"concurrency"`
	MaxInFlightBlocks int      `yaml:"max_inflight_blocks"`
	BlockRetries      int      `yaml:"block_retries"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
	ProbeTimeout      Duration `yaml:"probe_timeout"`
}

type Source struct {
	ID            string   `yaml:"id"`
	Type          string   `yaml:"type"`
	RPCURL        string   `yaml:"rpc_url"`
	WSURL         string   `yaml:"ws_url"`
	PollInterval  Duration `yaml:"poll_interval"`
	Confirmations uint64   `yaml:"confirmations"`
}

type DetectConfig struct {
	Deployments *bool  `yaml:"deployments"`
	Mints       *bool  `yaml:"mints"`
	InterfaceID string `yaml:"interface_id"`
}

type Dedupe struct {
	Key string `yaml:"key"`
	TTL string `yaml:"ttl"`
}

// Alert routes one kind of signal from a source to sinks.
type Alert struct {
	ID        string     `yaml:"id"`
	Source    string     `yaml:"source"`
	Signal    string     `yaml:"signal"`
	Contract  string     `yaml:"contract"`
	Where     []string   `yaml:"where"`
	Sinks     []string   `yaml:"sinks"`
	Dedupe    *Dedupe    `yaml:"dedupe,omitempty"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
}

// RateLimit caps how many signals an alert forwards to its sinks.
type RateLimit struct {
	Burst     float64 `yaml:"burst"`
	PerSecond float64 `yaml:"per_second"`
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	DSN        string   `yaml:"dsn"`
	Table      string   `yaml:"table"`
}

// Signal kinds an alert can match.
const (
	SignalDeployment = "deployment"
	SignalMint       = "mint"
)

// Defaults applied when a field is left empty.
const (
	DefaultDBPath            = "mint-watch.db"
	DefaultConcurrency       = 8
	DefaultMaxInFlightBlocks = 4
	DefaultBlockRetries      = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultProbeTimeout      = 5 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultInterfaceID       = "0x80ac58cd"
	DefaultPostgresTable     = "mint_watch_signals"
)

// Duration is a time.Duration written as a Go duration string ("500ms", "2s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	g := &c.Global
	if g.DBPath == "" {
		g.DBPath = DefaultDBPath
	}
	if g.Concurrency <= 0 {
		g.Concurrency = DefaultConcurrency
	}
	if g.MaxInFlightBlocks <= 0 {
		g.MaxInFlightBlocks = DefaultMaxInFlightBlocks
	}
	if g.BlockRetries <= 0 {
		g.BlockRetries = DefaultBlockRetries
	}
	if g.RetryBackoff <= 0 {
		g.RetryBackoff = Duration(DefaultRetryBackoff)
	}
	if g.ProbeTimeout <= 0 {
		g.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	for i := range c.Sources {
		if c.Sources[i].PollInterval <= 0 {
			c.Sources[i].PollInterval = Duration(DefaultPollInterval)
		}
	}
	if c.Detect.InterfaceID == "" {
		c.Detect.InterfaceID = DefaultInterfaceID
	}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		switch strings.ToLower(s.Type) {
		case "webhook":
			if s.Method == "" {
				s.Method = "POST"
			}
		case "postgres":
			if s.Table == "" {
				s.Table = DefaultPostgresTable
			}
		}
	}
}

// DeploymentsEnabled reports whether deployment detection runs (default true).
func (d DetectConfig) DeploymentsEnabled() bool {
	return d.Deployments == nil || *d.Deployments
}

// MintsEnabled reports whether mint detection runs (default true).
func (d DetectConfig) MintsEnabled() bool {
	return d.Mints == nil || *d.Mints
}

// SourceByID looks up a source.
func (c *Config) SourceByID(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if !c.Detect.DeploymentsEnabled() && !c.Detect.MintsEnabled() {
		return errors.New("detect: at least one of deployments or mints must be enabled")
	}
	if !interfaceIDPattern.MatchString(c.Detect.InterfaceID) {
		return fmt.Errorf("detect: interface_id must be 0x followed by 8 hex digits, got %q", c.Detect.InterfaceID)
	}

	sourceIDs := map[string]struct{}{}
	for _, s := range c.Sources {
		if _, exists := sourceIDs[s.ID]; exists {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		sourceIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	alertIDs := map[string]struct{}{}
	for _, a := range c.Alerts {
		if _, exists := alertIDs[a.ID]; exists {
			return fmt.Errorf("duplicate alert id: %s", a.ID)
		}
		alertIDs[a.ID] = struct{}{}
		if err := a.Validate(sourceIDs, sinkIDs); err != nil {
			return fmt.Errorf("alert %s: %w", a.ID, err)
		}
	}

	return nil
}

var (
	interfaceIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{8}$`)
	addressPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	tablePattern       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	switch strings.ToLower(s.Type) {
	case "evm":
		if s.RPCURL == "" {
			return errors.New("rpc_url is required for evm sources")
		}
	default:
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	return nil
}

func (a *Alert) Validate(sourceIDs map[string]struct{}, sinkIDs map[string]*Sink) error {
	if a.ID == "" {
		return errors.New("id is required")
	}
	if a.Source == "" {
		return errors.New("source is required")
	}
	if _, ok := sourceIDs[a.Source]; !ok {
		return fmt.Errorf("unknown source: %s", a.Source)
	}

	switch strings.ToLower(a.Signal) {
	case SignalDeployment, SignalMint:
	case "":
		return errors.New("signal is required")
	default:
		return fmt.Errorf("unsupported signal: %s", a.Signal)
	}
	if a.Contract != "" && !addressPattern.MatchString(a.Contract) {
		return fmt.Errorf("contract %q is not a hex address", a.Contract)
	}

	if len(a.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range a.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}

	if a.Dedupe != nil {
		if a.Dedupe.Key == "" || a.Dedupe.TTL == "" {
			return errors.New("dedupe.key and dedupe.ttl are required when dedupe is set")
		}
		if _, err := time.ParseDuration(a.Dedupe.TTL); err != nil {
			return fmt.Errorf("dedupe.ttl: %w", err)
		}
	}

	if a.RateLimit != nil && (a.RateLimit.Burst < 1 || a.RateLimit.PerSecond <= 0) {
		return errors.New("rate_limit.burst must be >= 1 and rate_limit.per_second > 0")
	}

	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
	case "kafka":
		if len(s.Brokers) == 0 || s.Topic == "" {
			return errors.New("brokers and topic are required for kafka sink")
		}
	case "postgres":
		if s.DSN == "" {
			return errors.New("dsn is required for postgres sink")
		}
		if !tablePattern.MatchString(s.Table) {
			return fmt.Errorf("invalid postgres table name %q", s.Table)
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
