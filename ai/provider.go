// Package ai talks to an OpenAI-compatible chat completion endpoint and
// turns completions into remediation advice. The client composes the
// resilience layers (rate limit, circuit breaker, request dedup, retry)
// so callers see a single Analyze call with bounded failure modes.
package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/qerrors/core"
)

// Provider is a named endpoint preset. All presets speak the same
// chat/completions wire protocol; only the endpoint and default model differ.
type Provider struct {
	Name         string
	Endpoint     string
	DefaultModel string
}

var providers = map[string]Provider{
	"openai": {
		Name:         "openai",
		Endpoint:     "https://api.openai.com/v1/chat/completions",
		DefaultModel: "gpt-4o-mini",
	},
	"groq": {
		Name:         "groq",
		Endpoint:     "https://api.groq.com/openai/v1/chat/completions",
		DefaultModel: "llama-3.1-8b-instant",
	},
	"deepseek": {
		Name:         "deepseek",
		Endpoint:     "https://api.deepseek.com/v1/chat/completions",
		DefaultModel: "deepseek-chat",
	},
	"openrouter": {
		Name:         "openrouter",
		Endpoint:     "https://openrouter.ai/api/v1/chat/completions",
		DefaultModel: "openai/gpt-4o-mini",
	},
	"local": {
		Name:         "local",
		Endpoint:     "http://localhost:11434/v1/chat/completions",
		DefaultModel: "llama3.1",
	},
}

// Providers returns the known preset names, sorted, for error messages.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps model configuration onto the concrete endpoint and model,
// applying preset defaults and explicit overrides. An unknown provider is
// a configuration error; resolution happens at startup so a typo fails
// fast instead of at first analysis.
func Resolve(cfg core.ModelConfig) (endpoint, model string, err error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	preset, ok := providers[name]
	if !ok {
		return "", "", &core.Error{
			Op:      "ai.resolve",
			Kind:    "config",
			Message: fmt.Sprintf("unknown provider %q (known: %s)", cfg.Provider, strings.Join(Providers(), ", ")),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	endpoint = preset.Endpoint
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
	}
	model = preset.DefaultModel
	if cfg.Name != "" {
		model = cfg.Name
	}
	return endpoint, model, nil
}
