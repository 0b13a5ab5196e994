package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for discordgate.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Discord DiscordConfig `json:"discord" yaml:"discord"`
	Pairing PairingConfig `json:"pairing" yaml:"pairing"`
	Media   MediaConfig   `json:"media" yaml:"media"`
	Agent   AgentConfig   `json:"agent" yaml:"agent"`
	Routing RoutingConfig `json:"routing" yaml:"routing"`
	Status  StatusConfig  `json:"status" yaml:"status"`
}

type GeneralConfig struct {
	DataDir               string `json:"dataDir" yaml:"dataDir"`
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	LogFormat             string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
}

// DiscordConfig configures one Discord bot account.
type DiscordConfig struct {
	Token           string   `json:"token" yaml:"token"`
	AccountID       string   `json:"accountId,omitempty" yaml:"accountId,omitempty"`
	DM              DMConfig `json:"dm" yaml:"dm"`
	GroupPolicy     string   `json:"groupPolicy" yaml:"groupPolicy"` // "open" | "disabled"
	ReplyToMode     string   `json:"replyToMode" yaml:"replyToMode"` // "off" | "on"
	MediaMaxMB      int      `json:"mediaMaxMb" yaml:"mediaMaxMb"`
	MentionPatterns []string `json:"mentionPatterns,omitempty" yaml:"mentionPatterns,omitempty"`
	StartupGraceMs  int      `json:"startupGraceMs" yaml:"startupGraceMs"`
	TextChunkLimit  int      `json:"textChunkLimit" yaml:"textChunkLimit"`
}

type DMConfig struct {
	Policy    string         `json:"policy" yaml:"policy"` // "pairing" | "allowlist" | "open" | "disabled"
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
}

// ReplyToEnabled reports whether replies thread onto the inbound message.
func (d DiscordConfig) ReplyToEnabled() bool { return d.ReplyToMode == "on" }

// MediaMaxBytes is the inbound attachment size ceiling.
func (d DiscordConfig) MediaMaxBytes() int64 { return int64(d.MediaMaxMB) * 1024 * 1024 }

type PairingConfig struct {
	DBPath            string `json:"dbPath" yaml:"dbPath"`
	PendingTTLMinutes int    `json:"pendingTtlMinutes" yaml:"pendingTtlMinutes"`
	MaxPending        int    `json:"maxPending" yaml:"maxPending"`
	CleanupSchedule   string `json:"cleanupSchedule" yaml:"cleanupSchedule"` // cron spec
}

type MediaConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// AgentConfig points at the agent host that answers dispatched messages.
// Leaving URL empty disables both reply dispatchers.
type AgentConfig struct {
	URL            string  `json:"url,omitempty" yaml:"url,omitempty"`
	APIKey         string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Concurrency    int     `json:"concurrency" yaml:"concurrency"`
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries"`
	RatePerMinute  float64 `json:"ratePerMinute" yaml:"ratePerMinute"` // per session; 0 disables
	RateBurst      int     `json:"rateBurst" yaml:"rateBurst"`
}

// RoutingConfig maps peers to agents.
type RoutingConfig struct {
	DefaultAgent string                  `json:"defaultAgent" yaml:"defaultAgent"`
	Bindings     []RouteBinding          `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Profiles     map[string]AgentProfile `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

// RouteBinding pins a conversation (channel id) or DM sender (user id) to an agent.
type RouteBinding struct {
	Peer  string `json:"peer" yaml:"peer"`
	Agent string `json:"agent" yaml:"agent"`
}

// AgentProfile selects an agent by keywords found in the message text.
type AgentProfile struct {
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	// SendSecret enables POST /send. Requests are signed with HMAC-SHA256.
	SendSecret string `json:"sendSecret,omitempty" yaml:"sendSecret,omitempty"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
// Discord snowflakes are often pasted as bare numbers.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		// json.Number keeps snowflakes exact; they overflow float64.
		var n json.Number
		dec := json.NewDecoder(strings.NewReader(string(item)))
		dec.UseNumber()
		if err := dec.Decode(&n); err == nil {
			result = append(result, n.String())
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalYAML accepts scalars of any type; yaml.v3 keeps the literal text,
// so large numeric ids survive unchanged.
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("allowFrom: expected a list, got %v", node.Tag)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.discordgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".discordgate"
	}
	return filepath.Join(home, ".discordgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file (chosen by extension), applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Resolve()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Resolve fills derived paths and environment fallbacks after decoding.
func (cfg *Config) Resolve() {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Pairing.DBPath = ExpandPath(cfg.Pairing.DBPath)
	cfg.Media.Dir = ExpandPath(cfg.Media.Dir)

	if cfg.Pairing.DBPath == "" {
		cfg.Pairing.DBPath = filepath.Join(cfg.General.DataDir, "pairing.db")
	}
	if cfg.Media.Dir == "" {
		cfg.Media.Dir = filepath.Join(cfg.General.DataDir, "media")
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if cfg.Discord.AccountID == "" {
		cfg.Discord.AccountID = "default"
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultVal, hasDefault := "", len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	switch cfg.Discord.DM.Policy {
	case "pairing", "allowlist", "open", "disabled":
	default:
		errs = append(errs, "discord.dm.policy must be one of: pairing, allowlist, open, disabled")
	}
	switch cfg.Discord.GroupPolicy {
	case "open", "disabled":
	default:
		errs = append(errs, "discord.groupPolicy must be one of: open, disabled")
	}
	switch cfg.Discord.ReplyToMode {
	case "off", "on":
	default:
		errs = append(errs, "discord.replyToMode must be one of: off, on")
	}
	if cfg.Discord.MediaMaxMB < 1 {
		errs = append(errs, "discord.mediaMaxMb must be >= 1")
	}
	if cfg.Discord.StartupGraceMs < 0 {
		errs = append(errs, "discord.startupGraceMs must be >= 0")
	}
	if cfg.Discord.TextChunkLimit < 1 || cfg.Discord.TextChunkLimit > 2000 {
		errs = append(errs, "discord.textChunkLimit must be between 1 and 2000")
	}
	for i, p := range cfg.Discord.MentionPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("discord.mentionPatterns[%d]: %v", i, err))
		}
	}

	if cfg.Pairing.PendingTTLMinutes < 1 {
		errs = append(errs, "pairing.pendingTtlMinutes must be >= 1")
	}
	if cfg.Pairing.MaxPending < 1 {
		errs = append(errs, "pairing.maxPending must be >= 1")
	}

	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Agent.Concurrency < 1 {
		errs = append(errs, "agent.concurrency must be >= 1")
	}
	if cfg.Agent.MaxRetries < 0 || cfg.Agent.MaxRetries > 10 {
		errs = append(errs, "agent.maxRetries must be between 0 and 10")
	}
	if cfg.Agent.RatePerMinute < 0 {
		errs = append(errs, "agent.ratePerMinute must be >= 0")
	}
	if cfg.Agent.URL != "" && !strings.HasPrefix(cfg.Agent.URL, "http://") && !strings.HasPrefix(cfg.Agent.URL, "https://") {
		errs = append(errs, "agent.url must be an http(s) URL")
	}

	for i, b := range cfg.Routing.Bindings {
		if b.Peer == "" || b.Agent == "" {
			errs = append(errs, "routing.bindings["+strconv.Itoa(i)+"] needs both peer and agent")
		}
	}

	if cfg.Status.Port < 0 || cfg.Status.Port > 65535 {
		errs = append(errs, "status.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
