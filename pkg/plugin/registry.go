// Package plugin provides the provider registry: named factories for the
// four provider kinds (vad, stt, llm, tts) that the runtime resolves from
// configuration at startup. Provider packages register themselves from
// init(), so importing a provider package is what makes it available.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
)

// Provider kinds.
const (
	KindVAD = "vad"
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// Factory creates a provider instance from its configuration map. The
// returned value must implement the interface for the plugin's kind
// (vad.VAD, stt.Transcriber, llm.LLM, or tts.TTS).
type Factory func(cfg map[string]any) (any, error)

// Downloader is implemented by plugins that fetch model files before
// first use.
type Downloader interface {
	Download() error
}

// Plugin is a registered provider with its metadata.
type Plugin struct {
	Kind        string
	Name        string
	Factory     Factory
	Description string
	Version     string
	Downloader  Downloader
}

// Registry maps kind/name pairs to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin
}

// NewRegistry creates an empty registry. Most code uses the package-level
// global instead.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]*Plugin)}
}

var global = NewRegistry()

// Register adds a plugin to the global registry. Called from provider
// init() functions; panics on duplicate registration.
func Register(kind, name string, factory Factory) {
	global.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with metadata to the global registry.
func RegisterWithMetadata(p *Plugin) {
	global.RegisterWithMetadata(p)
}

// Get retrieves a factory from the global registry.
func Get(kind, name string) (Factory, bool) {
	return global.Get(kind, name)
}

// Lookup retrieves a full plugin entry from the global registry.
func Lookup(kind, name string) (*Plugin, bool) {
	return global.Lookup(kind, name)
}

// List returns registered plugins of a kind from the global registry, or
// all plugins when kind is empty.
func List(kind string) []*Plugin {
	return global.List(kind)
}

// Register adds a plugin to this registry.
func (r *Registry) Register(kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{Kind: kind, Name: name, Factory: factory})
}

// RegisterWithMetadata adds a plugin to this registry. It panics on an
// empty kind or name, a nil factory, or duplicate registration, since all
// of these are programming errors in a provider package.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if p.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}
	if _, exists := r.plugins[p.Kind][p.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered", p.Kind, p.Name))
	}
	r.plugins[p.Kind][p.Name] = p
}

// Get retrieves a factory.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	p, ok := r.Lookup(kind, name)
	if !ok {
		return nil, false
	}
	return p.Factory, true
}

// Lookup retrieves a full plugin entry.
func (r *Registry) Lookup(kind, name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kindMap, ok := r.plugins[kind]
	if !ok {
		return nil, false
	}
	p, ok := kindMap[name]
	return p, ok
}

// List returns plugins of a kind sorted by kind then name; an empty kind
// returns everything.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Plugin
	for k, kindMap := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range kindMap {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clear removes all plugins. Testing only.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]map[string]*Plugin)
}

func build(kind, name string, cfg map[string]any) (any, error) {
	p, ok := Lookup(kind, name)
	if !ok {
		available := make([]string, 0)
		for _, reg := range List(kind) {
			available = append(available, reg.Name)
		}
		return nil, fmt.Errorf("no %s provider named %q (registered: %v)", kind, name, available)
	}
	if p.Downloader != nil {
		if err := p.Downloader.Download(); err != nil {
			return nil, fmt.Errorf("%s/%s model download: %w", kind, name, err)
		}
	}
	inst, err := p.Factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s: %w", kind, name, err)
	}
	return inst, nil
}

// ResolveVAD builds the named VAD provider from the global registry.
func ResolveVAD(name string, cfg map[string]any) (vad.VAD, error) {
	inst, err := build(KindVAD, name, cfg)
	if err != nil {
		return nil, err
	}
	v, ok := inst.(vad.VAD)
	if !ok {
		return nil, fmt.Errorf("%s/%s does not implement vad.VAD", KindVAD, name)
	}
	return v, nil
}

// ResolveSTT builds the named transcription provider.
func ResolveSTT(name string, cfg map[string]any) (stt.Transcriber, error) {
	inst, err := build(KindSTT, name, cfg)
	if err != nil {
		return nil, err
	}
	s, ok := inst.(stt.Transcriber)
	if !ok {
		return nil, fmt.Errorf("%s/%s does not implement stt.Transcriber", KindSTT, name)
	}
	return s, nil
}

// ResolveLLM builds the named generation provider.
func ResolveLLM(name string, cfg map[string]any) (llm.LLM, error) {
	inst, err := build(KindLLM, name, cfg)
	if err != nil {
		return nil, err
	}
	l, ok := inst.(llm.LLM)
	if !ok {
		return nil, fmt.Errorf("%s/%s does not implement llm.LLM", KindLLM, name)
	}
	return l, nil
}

// ResolveTTS builds the named synthesis provider.
func ResolveTTS(name string, cfg map[string]any) (tts.TTS, error) {
	inst, err := build(KindTTS, name, cfg)
	if err != nil {
		return nil, err
	}
	t, ok := inst.(tts.TTS)
	if !ok {
		return nil, fmt.Errorf("%s/%s does not implement tts.TTS", KindTTS, name)
	}
	return t, nil
}
