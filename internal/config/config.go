package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level PagePilot config.
	WorkspaceDirName = ".pagepilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
	// MaxAgentSteps caps agent.default_max_steps and any per-call maxSteps.
	MaxAgentSteps = 50
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the PagePilot MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Assets   AssetsConfig   `yaml:"assets"`
	Model    ModelConfig    `yaml:"model"`
	Sessions SessionsConfig `yaml:"sessions"`
	Agent    AgentConfig    `yaml:"agent"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). When empty, Chrome is launched.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--disable-gpu"]). First element is the binary.
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Viewport width for new pages (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new pages (default: 720).
	ViewportHeight int `yaml:"viewport_height"`
	// Default navigation timeout (e.g., "30s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout for act/observe/extract when the caller passes none.
	DefaultActionTimeout string `yaml:"default_action_timeout"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port.
	SSEPort int `yaml:"sse_port"`
	// When set (and SSE is not), serves streamable HTTP on /mcp. 0 selects stdio.
	HTTPPort int `yaml:"http_port"`
	// EnableModelOverride lets callers pick a model per call. Disabled callers' model fields are dropped.
	EnableModelOverride bool `yaml:"enable_model_override"`
	// EnableMultiPage lets callers address pages by index. Disabled, every call targets the active page.
	EnableMultiPage bool `yaml:"enable_multi_page"`
}

// AssetsConfig configures screenshot persistence and the static asset server.
type AssetsConfig struct {
	Port          int    `yaml:"port"`
	PublicDir     string `yaml:"public_dir"`
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// ModelConfig selects the LLM provider used by act/observe/extract/agent.
type ModelConfig struct {
	// Provider is one of openai, deepseek, chatu, jiutian. Empty derives it from ModelName.
	Provider    string  `yaml:"provider"`
	ModelName   string  `yaml:"model_name"`
	BaseURL     string  `yaml:"base_url"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	Temperature float32 `yaml:"temperature"`
}

// SessionsConfig bounds the session registry.
type SessionsConfig struct {
	// Idle sessions older than this are closed (e.g., "30m"). "0" disables eviction.
	IdleTimeout     string `yaml:"idle_timeout"`
	JanitorInterval string `yaml:"janitor_interval"`
	// MaxSessions caps live sessions; 0 means unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

type AgentConfig struct {
	DefaultMaxSteps int `yaml:"default_max_steps"`
}

// RecorderConfig controls the JSONL tool invocation trace.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir holds one trace file per server run; older runs are rotated out.
	Dir string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "pagepilot-mcp",
			Version: "0.3.0",
			LogFile: "pagepilot-mcp.log",
		},
		Browser: BrowserConfig{
			ViewportWidth:            1280,
			ViewportHeight:           720,
			DefaultNavigationTimeout: "30s",
			DefaultActionTimeout:     "30s",
		},
		MCP: MCPConfig{
			SSEPort:  0,
			HTTPPort: 3333,
		},
		Assets: AssetsConfig{
			Port:          4001,
			PublicDir:     "public",
			ScreenshotDir: filepath.Join("public", "screenshots"),
		},
		Model: ModelConfig{
			ModelName: "deepseek/deepseek-chat",
		},
		Sessions: SessionsConfig{
			IdleTimeout:     "30m",
			JanitorInterval: "1m",
		},
		Agent: AgentConfig{
			DefaultMaxSteps: 10,
		},
		Recorder: RecorderConfig{
			Enabled: true,
			Dir:     filepath.Join("data", "traces"),
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overlays the process environment on cfg. getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("STAGEHAND_ENABLE_MODEL_OVERRIDE"); v != "" {
		cfg.MCP.EnableModelOverride = envBool(v)
	}
	if v := getenv("STAGEHAND_ENABLE_MULTI_PAGE"); v != "" {
		cfg.MCP.EnableMultiPage = envBool(v)
	}
	if v := getenv("MCP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MCP_PORT: %w", err)
		}
		cfg.MCP.HTTPPort = port
	}
	if v := getenv("ASSET_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ASSET_PORT: %w", err)
		}
		cfg.Assets.Port = port
	}
	if v := getenv("PAGEPILOT_MODEL"); v != "" {
		cfg.Model.ModelName = v
	}
	return nil
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// DiscoverWorkspace walks up from startDir looking for a .pagepilot/config.yaml file.
// Returns the workspace root directory (parent of .pagepilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .pagepilot/config.yaml <- explicit --config
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .pagepilot/ directory with a template config at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# PagePilot project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# mcp:
#   enable_multi_page: true
#   enable_model_override: false

# model:
#   provider: deepseek
#   model_name: deepseek/deepseek-chat

# assets:
#   port: 4001
#   screenshot_dir: "public/screenshots"

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte("data/\n"), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Assets.PublicDir = resolve(cfg.Assets.PublicDir)
	cfg.Assets.ScreenshotDir = resolve(cfg.Assets.ScreenshotDir)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Assets.Port <= 0 || c.Assets.Port > 65535 {
		return fmt.Errorf("assets.port out of range: %d", c.Assets.Port)
	}
	if c.MCP.SSEPort < 0 || c.MCP.HTTPPort < 0 {
		return errors.New("mcp ports must not be negative")
	}
	if c.Assets.ScreenshotDir == "" {
		return errors.New("assets.screenshot_dir is required")
	}
	switch strings.ToLower(c.Model.Provider) {
	case "", "openai", "deepseek", "chatu", "jiutian":
	default:
		return fmt.Errorf("model.provider %q is not supported", c.Model.Provider)
	}
	if c.Sessions.MaxSessions < 0 {
		return errors.New("sessions.max_sessions must not be negative")
	}
	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		return errors.New("recorder.dir is required when the recorder is enabled")
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 30*time.Second)
}

// ActionTimeout returns the parsed act/observe/extract timeout with a sane default.
func (b BrowserConfig) ActionTimeout() time.Duration {
	return parseDurationOr(b.DefaultActionTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 720
	}
	return b.ViewportHeight
}

// GetIdleTimeout returns the idle eviction window. Zero disables eviction.
func (s SessionsConfig) GetIdleTimeout() time.Duration {
	if s.IdleTimeout == "0" {
		return 0
	}
	return parseDurationOr(s.IdleTimeout, 30*time.Minute)
}

// GetJanitorInterval returns how often idle sessions are swept.
func (s SessionsConfig) GetJanitorInterval() time.Duration {
	d := parseDurationOr(s.JanitorInterval, time.Minute)
	if d <= 0 {
		return time.Minute
	}
	return d
}

// GetDefaultMaxSteps returns the agent step budget clamped to MaxAgentSteps.
func (a AgentConfig) GetDefaultMaxSteps() int {
	if a.DefaultMaxSteps <= 0 {
		return 10
	}
	if a.DefaultMaxSteps > MaxAgentSteps {
		return MaxAgentSteps
	}
	return a.DefaultMaxSteps
}
