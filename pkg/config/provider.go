package config

import (
	"fmt"
	"time"
)

// KeyStrategy selects how multiple API keys are cycled.
type KeyStrategy string

const (
	KeyStrategyRoundRobin KeyStrategy = "round_robin"
	KeyStrategyRandom     KeyStrategy = "random"
)

// ProviderConfig describes one upstream provider. A pipeline is built
// for every (provider, model, key index) combination.
type ProviderConfig struct {
	// Name is the unique provider identifier, also the pipeline id prefix.
	Name string `yaml:"name"`

	// Type selects the compatibility family (openai, deepseek, lmstudio,
	// ollama, vllm, iflow, gemini, gemini-cli).
	Type string `yaml:"type,omitempty"`

	// BaseURL is the upstream endpoint. Supports ${VAR} expansion.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates a single-key provider. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// APIKeys lists multiple keys cycled per Strategy.
	APIKeys []string `yaml:"api_keys,omitempty"`

	// Strategy selects the key rotation scheme.
	Strategy KeyStrategy `yaml:"strategy,omitempty"`

	// Project scopes Gemini-native requests to a cloud project.
	Project string `yaml:"project,omitempty"`

	// Organization is forwarded as the OpenAI organization id.
	Organization string `yaml:"organization,omitempty"`

	// AuthHeaderFormat overrides the Authorization header template.
	AuthHeaderFormat string `yaml:"auth_header_format,omitempty"`

	// Headers are extra headers sent on every upstream request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Models lists the upstream models served by this provider.
	Models []string `yaml:"models"`

	// ModelMap maps client model labels onto upstream model names.
	ModelMap map[string]string `yaml:"model_map,omitempty"`

	// MaxTokensByModel caps max_tokens per upstream model.
	MaxTokensByModel map[string]int `yaml:"max_tokens_by_model,omitempty"`

	// MaxTokensCap caps max_tokens across all models.
	MaxTokensCap int `yaml:"max_tokens_cap,omitempty"`

	// ContextWindow is the provider context size, used by family caps.
	ContextWindow int `yaml:"context_window,omitempty"`

	// Timeout bounds one upstream request.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries is the upstream retry budget.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// SkipAuthentication disables the auth probe for keyless servers.
	SkipAuthentication bool `yaml:"skip_authentication,omitempty"`

	// ThinkingEnabled forwards reasoning budgets where the family
	// supports them.
	ThinkingEnabled bool `yaml:"thinking_enabled,omitempty"`
}

var validFamilies = map[string]bool{
	"openai":     true,
	"deepseek":   true,
	"lmstudio":   true,
	"ollama":     true,
	"vllm":       true,
	"iflow":      true,
	"gemini":     true,
	"gemini-cli": true,
}

func (c *ProviderConfig) SetDefaults() {
	if c.Type == "" {
		// Providers named after a family need no explicit type.
		if validFamilies[c.Name] {
			c.Type = c.Name
		} else {
			c.Type = "openai"
		}
	}
	if c.Strategy == "" {
		c.Strategy = KeyStrategyRoundRobin
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
}

func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validFamilies[c.Type] {
		return fmt.Errorf("invalid type %q", c.Type)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if c.Strategy != KeyStrategyRoundRobin && c.Strategy != KeyStrategyRandom {
		return fmt.Errorf("invalid strategy %q (valid: round_robin, random)", c.Strategy)
	}
	if len(c.APIKeys) == 0 && c.APIKey == "" && !c.SkipAuthentication {
		return fmt.Errorf("api_key or api_keys is required unless skip_authentication is set")
	}
	return nil
}

// Keys returns the configured key list, folding the single-key form in.
// A keyless provider yields one empty key so a pipeline still exists.
func (c *ProviderConfig) Keys() []string {
	if len(c.APIKeys) > 0 {
		return c.APIKeys
	}
	if c.APIKey != "" {
		return []string{c.APIKey}
	}
	return []string{""}
}

// RouterConfig holds the routing table.
type RouterConfig struct {
	// Routes maps client model labels onto eligible pipelines.
	Routes []RouteConfig `yaml:"routes,omitempty"`
}

// RouteConfig is one routing-table entry.
type RouteConfig struct {
	// Model is the client-facing model label.
	Model string `yaml:"model"`

	// Category is the routing category; empty means default.
	Category string `yaml:"category,omitempty"`

	// Pipelines lists eligible pipeline ids in preference order.
	Pipelines []string `yaml:"pipelines"`
}

func (c *RouterConfig) SetDefaults() {
	for i := range c.Routes {
		if c.Routes[i].Category == "" {
			c.Routes[i].Category = "default"
		}
	}
}

var validCategories = map[string]bool{
	"default":     true,
	"reasoning":   true,
	"longContext": true,
	"webSearch":   true,
	"background":  true,
}

func (c *RouterConfig) Validate() error {
	for _, route := range c.Routes {
		if route.Model == "" {
			return fmt.Errorf("route model is required")
		}
		if !validCategories[route.Category] {
			return fmt.Errorf("invalid category %q for model %q", route.Category, route.Model)
		}
		if len(route.Pipelines) == 0 {
			return fmt.Errorf("route for model %q lists no pipelines", route.Model)
		}
	}
	return nil
}
