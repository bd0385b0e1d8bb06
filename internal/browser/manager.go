// Package browser implements the automation capabilities on top of Rod.
// A Manager owns one shared Chrome; each Handle is an incognito context.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"pagepilot-mcp-server/internal/automation"
	"pagepilot-mcp-server/internal/config"
	"pagepilot-mcp-server/internal/history"
	"pagepilot-mcp-server/internal/llm"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// ModelSource resolves a completion client for an optional model override.
type ModelSource interface {
	For(model string) (*llm.Client, error)
}

// Manager connects to (or launches) Chrome on first use and hands out
// isolated automation handles.
type Manager struct {
	cfg      config.BrowserConfig
	agentCfg config.AgentConfig
	models   ModelSource
	history  *history.Store

	// ctx outlives individual tool calls; the browser connection is bound to it.
	ctx context.Context

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

var _ automation.Factory = (*Manager)(nil)

func NewManager(ctx context.Context, cfg config.BrowserConfig, agentCfg config.AgentConfig, models ModelSource, store *history.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		agentCfg: agentCfg,
		models:   models,
		history:  store,
		ctx:      ctx,
	}
}

// NewHandle opens a fresh incognito context for sessionID.
func (m *Manager) NewHandle(ctx context.Context, sessionID string) (automation.Handle, error) {
	b, err := m.ensureBrowser()
	if err != nil {
		return nil, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	var steps *history.Log
	if m.history != nil {
		steps = m.history.Log(sessionID)
	}
	return newHandle(m, sessionID, incognito, steps), nil
}

// ensureBrowser returns a live browser connection, reconnecting when the
// previous one went stale.
func (m *Manager) ensureBrowser() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return m.browser, nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(controlURL).Context(m.ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return b, nil
}

func (m *Manager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		return m.cfg.DebuggerURL, nil
	}

	l := launcher.New().Headless(m.cfg.IsHeadless())
	var bin string
	if len(m.cfg.Launch) > 0 {
		bin = m.cfg.Launch[0]
		l = l.Bin(bin)
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := splitFlag(raw)
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}

	u, err := l.Launch()
	if err == nil {
		return u, nil
	}

	// Retry with Rod's defaults when the custom flags are rejected.
	fallback := launcher.New().Headless(m.cfg.IsHeadless())
	if bin != "" {
		fallback = fallback.Bin(bin)
	}
	alt, altErr := fallback.Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// splitFlag turns "--name=value" into its parts.
func splitFlag(raw string) (name, val string, hasVal bool) {
	return strings.Cut(strings.TrimLeft(raw, "-"), "=")
}

// ControlURL returns the DevTools endpoint of the connected browser.
func (m *Manager) ControlURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlURL
}

// Shutdown closes the shared browser. Handles still open become unusable.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil
	}
	err := m.browser.Close()
	m.browser = nil
	m.controlURL = ""
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("Browser shutdown complete")
	return nil
}
