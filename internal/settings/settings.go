// Package settings provides the read-only settings snapshot the executor
// and monitor are configured from, with live reload: a change to the
// settings file triggers subscribers to rebuild their connection objects
// without a process restart.
package settings

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/vnmchuo/llm-sidecar/internal/logging"
)

const component = "settings"

// Settings is an immutable snapshot.
type Settings struct {
	EndpointURL           string
	ModelName             string
	TimeoutMs             int
	MaxConcurrentRequests int
	MaxRetryAttempts      int
	RateLimitOverrides    map[string]int
}

type Provider struct {
	v   *viper.Viper
	log logging.Logger

	mu      sync.RWMutex
	current Settings
	subs    []func(Settings)
}

// Load reads the settings file and starts watching it for changes. A
// missing file is not an error; defaults apply until one appears.
func Load(path string, log logging.Logger) (*Provider, error) {
	if log == nil {
		log = logging.Nop{}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("endpoint_url", "http://localhost:11434")
	v.SetDefault("model_name", "")
	v.SetDefault("timeout_ms", 30_000)
	v.SetDefault("max_concurrent_requests", 3)
	v.SetDefault("max_retry_attempts", 3)

	p := &Provider{v: v, log: log}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn(component, fmt.Sprintf("settings file unreadable, using defaults: %v", err))
		}
	}
	p.current = p.read()

	v.OnConfigChange(func(fsnotify.Event) {
		p.reload()
	})
	v.WatchConfig()

	return p, nil
}

func (p *Provider) read() Settings {
	overrides := make(map[string]int)
	for k, raw := range p.v.GetStringMap("rate_limit_overrides") {
		if n, ok := toInt(raw); ok {
			overrides[k] = n
		}
	}
	return Settings{
		EndpointURL:           p.v.GetString("endpoint_url"),
		ModelName:             p.v.GetString("model_name"),
		TimeoutMs:             p.v.GetInt("timeout_ms"),
		MaxConcurrentRequests: p.v.GetInt("max_concurrent_requests"),
		MaxRetryAttempts:      p.v.GetInt("max_retry_attempts"),
		RateLimitOverrides:    overrides,
	}
}

func toInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (p *Provider) reload() {
	next := p.read()

	p.mu.Lock()
	p.current = next
	subs := make([]func(Settings), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	p.log.Info(component, "settings changed, notifying subscribers")
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error(component, fmt.Sprintf("settings subscriber panicked: %v", r), nil)
				}
			}()
			fn(next)
		}()
	}
}

// Snapshot returns the current settings.
func (p *Provider) Snapshot() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe registers a callback invoked on every settings change.
func (p *Provider) Subscribe(fn func(Settings)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}
