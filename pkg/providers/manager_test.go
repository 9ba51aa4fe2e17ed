package providers

import (
	"context"
	"errors"
	"testing"
)

// fakeProvider records the last call and plays back a scripted response.
type fakeProvider struct {
	defaultModel string
	response     *Response
	err          error

	lastModel   string
	lastOptions map[string]any
	calls       int
}

func (f *fakeProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*Response, error) {
	f.calls++
	f.lastModel = model
	f.lastOptions = options
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any, onDelta func(string)) (*Response, error) {
	resp, err := f.Chat(ctx, messages, tools, model, options)
	if err != nil {
		return nil, err
	}
	if onDelta != nil && resp.Content != "" {
		onDelta(resp.Content)
	}
	return resp, nil
}

func (f *fakeProvider) GetDefaultModel() string { return f.defaultModel }

func newTestManager() (*Manager, *fakeProvider, *fakeProvider) {
	first := &fakeProvider{defaultModel: "model-a", response: &Response{Content: "from a", FinishReason: "stop"}}
	second := &fakeProvider{defaultModel: "model-b", response: &Response{Content: "from b", FinishReason: "stop"}}

	m := NewManager(ManagerConfig{})
	m.AddClient("alpha", first, "")
	m.AddClient("beta", second, "model-b-large")
	return m, first, second
}

func TestNewManagerRegistersEnvKeyedClients(t *testing.T) {
	m := NewManager(ManagerConfig{
		AnthropicAPIKey: "ak",
		OpenAIAPIKey:    "ok",
		GoogleAPIKey:    "gk",
		AliyunAPIKey:    "dk",
	})

	infos := m.ListClients()
	names := make([]string, len(infos))
	models := map[string]string{}
	for i, info := range infos {
		names[i] = info.Name
		models[info.Name] = info.Model
	}

	want := []string{"anthropic", "openai", "google", "aliyun"}
	if len(names) != len(want) {
		t.Fatalf("clients = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("clients = %v, want %v", names, want)
		}
	}
	if m.DefaultName() != "anthropic" {
		t.Errorf("default = %q, want anthropic", m.DefaultName())
	}
	if models["google"] != "gemini-1.5-pro" {
		t.Errorf("google model = %q, want gemini-1.5-pro", models["google"])
	}
	if models["aliyun"] != "qwen-max" {
		t.Errorf("aliyun model = %q, want qwen-max", models["aliyun"])
	}
}

func TestFirstClientBecomesDefault(t *testing.T) {
	m, _, _ := newTestManager()

	if m.DefaultName() != "alpha" {
		t.Fatalf("default = %q, want alpha", m.DefaultName())
	}

	infos := m.ListClients()
	if len(infos) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(infos))
	}
	if !infos[0].IsDefault || infos[1].IsDefault {
		t.Errorf("default flag misplaced: %+v", infos)
	}
	if infos[0].Model != "model-a" {
		t.Errorf("empty model should fall back to provider default, got %q", infos[0].Model)
	}
	if infos[1].Model != "model-b-large" {
		t.Errorf("explicit model lost: %q", infos[1].Model)
	}
}

func TestChatRoutesToNamedClient(t *testing.T) {
	m, first, second := newTestManager()

	resp, err := m.Chat(context.Background(), "beta", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("routed to wrong client: %q", resp.Content)
	}
	if first.calls != 0 || second.calls != 1 {
		t.Errorf("call counts: alpha=%d beta=%d", first.calls, second.calls)
	}
	if second.lastModel != "model-b-large" {
		t.Errorf("model = %q, want model-b-large", second.lastModel)
	}
}

func TestChatEmptyNameUsesDefault(t *testing.T) {
	m, first, _ := newTestManager()

	if _, err := m.Chat(context.Background(), "", []Message{{Role: "user", Content: "hi"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if first.calls != 1 {
		t.Errorf("default client not used, calls=%d", first.calls)
	}
	if mt, _ := first.lastOptions["max_tokens"].(int); mt != 4000 {
		t.Errorf("max_tokens = %v, want 4000", first.lastOptions["max_tokens"])
	}
}

func TestChatNoClients(t *testing.T) {
	m := NewManager(ManagerConfig{})
	_, err := m.Chat(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrNoClients) {
		t.Fatalf("Chat = %v, want ErrNoClients", err)
	}
}

func TestSetDefault(t *testing.T) {
	m, _, second := newTestManager()

	if err := m.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if _, err := m.Chat(context.Background(), "", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if second.calls != 1 {
		t.Errorf("new default not used, calls=%d", second.calls)
	}

	if err := m.SetDefault("gamma"); err == nil {
		t.Error("SetDefault accepted an unknown client")
	}
}

func TestSwitchModel(t *testing.T) {
	m, first, _ := newTestManager()

	if err := m.SwitchModel("alpha", "model-a-next"); err != nil {
		t.Fatalf("SwitchModel: %v", err)
	}
	if _, err := m.Chat(context.Background(), "alpha", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if first.lastModel != "model-a-next" {
		t.Errorf("model = %q, want model-a-next", first.lastModel)
	}

	if err := m.SwitchModel("alpha", ""); err == nil {
		t.Error("SwitchModel accepted an empty model")
	}
	if err := m.SwitchModel("gamma", "x"); err == nil {
		t.Error("SwitchModel accepted an unknown client")
	}
}

func TestChatStreamDeliversDeltas(t *testing.T) {
	m, _, _ := newTestManager()

	var deltas []string
	resp, err := m.ChatStream(context.Background(), "alpha", []Message{{Role: "user", Content: "hi"}}, nil,
		func(delta string) { deltas = append(deltas, delta) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(deltas) == 0 || deltas[0] != "from a" {
		t.Errorf("unexpected deltas %v", deltas)
	}
	if resp.Content != "from a" {
		t.Errorf("accumulated content %q", resp.Content)
	}
}

func TestTestConnections(t *testing.T) {
	m, _, second := newTestManager()
	second.err = errors.New("401 unauthorized")

	results := m.TestConnections(context.Background())
	if results["alpha"] != nil {
		t.Errorf("alpha probe failed: %v", results["alpha"])
	}
	if results["beta"] == nil {
		t.Error("beta probe should have failed")
	}
}
