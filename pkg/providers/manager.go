package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/helixlab/biohost/pkg/logger"
)

// ErrNoClients reports a manager with no usable model client, usually
// because no API key was configured.
var ErrNoClients = errors.New("providers: no model clients configured")

// ManagerConfig carries the per-vendor credentials and shared generation
// defaults. Values come from pkg/config.
type ManagerConfig struct {
	AnthropicAPIKey  string
	AnthropicAPIBase string
	AnthropicModel   string

	OpenAIAPIKey  string
	OpenAIAPIBase string
	OpenAIModel   string

	GoogleAPIKey  string
	GoogleAPIBase string
	GoogleModel   string

	AliyunAPIKey  string
	AliyunAPIBase string
	AliyunModel   string

	MaxTokens   int
	Temperature float64
}

// Aliyun's DashScope speaks the OpenAI-compatible protocol; the client is
// the OpenAI provider pointed at this endpoint.
const (
	aliyunBaseURL      = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	aliyunDefaultModel = "qwen-max"
)

type client struct {
	provider Provider
	model    string
}

// ClientInfo is the listing surface for one registered client.
type ClientInfo struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	IsDefault bool   `json:"is_default"`
}

// Manager owns the registered model clients and routes chat calls to one
// of them. The first client registered becomes the default.
type Manager struct {
	maxTokens   int
	temperature float64

	mu          sync.RWMutex
	clients     map[string]*client
	order       []string
	defaultName string
}

// NewManager registers one client per vendor with a configured API key.
// A manager with zero clients is still usable for listing; chat calls
// return ErrNoClients.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4000
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}

	m := &Manager{
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		clients:     make(map[string]*client),
	}

	if cfg.AnthropicAPIKey != "" {
		m.AddClient("anthropic", NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicAPIBase), cfg.AnthropicModel)
	}
	if cfg.OpenAIAPIKey != "" {
		m.AddClient("openai", NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIAPIBase), cfg.OpenAIModel)
	}
	if cfg.GoogleAPIKey != "" {
		if gp, err := NewGeminiProvider(cfg.GoogleAPIKey, cfg.GoogleAPIBase); err != nil {
			logger.WarnCF("providers", "Google client init failed", map[string]any{"error": err.Error()})
		} else {
			m.AddClient("google", gp, cfg.GoogleModel)
		}
	}
	if cfg.AliyunAPIKey != "" {
		base := cfg.AliyunAPIBase
		if base == "" {
			base = aliyunBaseURL
		}
		model := cfg.AliyunModel
		if model == "" {
			model = aliyunDefaultModel
		}
		m.AddClient("aliyun", NewOpenAIProvider(cfg.AliyunAPIKey, base), model)
	}

	if len(m.order) == 0 {
		logger.WarnC("providers", "No model clients configured, set ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY or DASHSCOPE_API_KEY")
	} else {
		logger.InfoCF("providers", "Model clients ready", map[string]any{
			"clients": m.order,
			"default": m.defaultName,
		})
	}
	return m
}

// AddClient registers a client under name. An empty model falls back to
// the provider's default. The first registration becomes the default
// client.
func (m *Manager) AddClient(name string, provider Provider, model string) {
	if model == "" {
		model = provider.GetDefaultModel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[name]; !exists {
		m.order = append(m.order, name)
	}
	m.clients[name] = &client{provider: provider, model: model}
	if m.defaultName == "" {
		m.defaultName = name
	}
}

// SetDefault makes name the default client.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[name]; !ok {
		return fmt.Errorf("providers: unknown client %q", name)
	}
	m.defaultName = name
	return nil
}

// DefaultName reports the current default client, or "" when none exist.
func (m *Manager) DefaultName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultName
}

// ListClients returns registration-ordered client info.
func (m *Manager) ListClients() []ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ClientInfo, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, ClientInfo{
			Name:      name,
			Model:     m.clients[name].model,
			IsDefault: name == m.defaultName,
		})
	}
	return out
}

// SwitchModel changes the model used by one client without touching its
// credentials.
func (m *Manager) SwitchModel(name, model string) error {
	if model == "" {
		return fmt.Errorf("providers: empty model name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[name]
	if !ok {
		return fmt.Errorf("providers: unknown client %q", name)
	}
	old := c.model
	c.model = model

	logger.InfoCF("providers", "Model switched", map[string]any{
		"client": name,
		"from":   old,
		"to":     model,
	})
	return nil
}

func (m *Manager) resolve(name string) (*client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultName
	}
	if name == "" {
		return nil, ErrNoClients
	}
	c, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("providers: unknown client %q", name)
	}
	return c, nil
}

// ChatStream routes a streaming chat call to the named client, or the
// default when name is empty.
func (m *Manager) ChatStream(
	ctx context.Context,
	name string,
	messages []Message,
	tools []ToolDefinition,
	onDelta func(delta string),
) (*Response, error) {
	c, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.provider.ChatStream(ctx, messages, tools, c.model, m.options(), onDelta)
}

// Chat routes a non-streaming chat call the same way.
func (m *Manager) Chat(
	ctx context.Context,
	name string,
	messages []Message,
	tools []ToolDefinition,
) (*Response, error) {
	c, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	return c.provider.Chat(ctx, messages, tools, c.model, m.options())
}

func (m *Manager) options() map[string]any {
	return map[string]any{
		"max_tokens":  m.maxTokens,
		"temperature": m.temperature,
	}
}

// TestConnection probes one client with a minimal completion.
func (m *Manager) TestConnection(ctx context.Context, name string) error {
	c, err := m.resolve(name)
	if err != nil {
		return err
	}
	ping := []Message{{Role: "user", Content: "ping"}}
	_, err = c.provider.Chat(ctx, ping, nil, c.model, map[string]any{"max_tokens": 16})
	return err
}

// TestConnections probes every client and reports per-client outcomes.
func (m *Manager) TestConnections(ctx context.Context) map[string]error {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = m.TestConnection(ctx, name)
	}
	return results
}
