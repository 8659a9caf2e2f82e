package runtime

import (
	"fmt"

	"github.com/kadirpekel/switchboard/pkg/codec"
	"github.com/kadirpekel/switchboard/pkg/compat"
	"github.com/kadirpekel/switchboard/pkg/config"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/protocol"
	"github.com/kadirpekel/switchboard/pkg/router"
	"github.com/kadirpekel/switchboard/pkg/upstream"
)

// assemble builds one pipeline per (provider, model, key index) and loads
// the routing table. Upstream clients are shared per provider.
func (r *Runtime) assemble() error {
	for i := range r.cfg.Providers {
		provider := &r.cfg.Providers[i]
		if err := r.assembleProvider(provider); err != nil {
			return fmt.Errorf("provider %q: %w", provider.Name, err)
		}
	}

	for _, route := range r.cfg.Router.Routes {
		r.router.AddRoute(route.Model, router.Category(route.Category), route.Pipelines...)
	}
	return nil
}

func (r *Runtime) assembleProvider(provider *config.ProviderConfig) error {
	keys := provider.Keys()
	family := familyFor(provider.Type)

	client := upstream.NewClient(upstream.Config{
		Provider:           provider.Name,
		BaseURL:            provider.BaseURL,
		APIKeys:            keys,
		Strategy:           strategyFor(provider.Strategy),
		Organization:       provider.Organization,
		AuthHeaderFormat:   provider.AuthHeaderFormat,
		Headers:            provider.Headers,
		Timeout:            provider.Timeout,
		MaxRetries:         provider.MaxRetries,
		SkipAuthentication: provider.SkipAuthentication,
	})

	var geminiClient *upstream.GeminiClient
	if family == compat.FamilyGemini {
		geminiClient = upstream.NewGeminiClient(provider.Timeout, provider.MaxRetries)
	}

	for _, model := range provider.Models {
		for keyIndex, key := range keys {
			pid := router.BuildPipelineID(provider.Name, model, keyIndex)

			policy := compat.Policy{
				Family:           family,
				Provider:         provider.Name,
				Project:          provider.Project,
				Endpoint:         provider.BaseURL,
				APIKey:           key,
				AuthHeaderFormat: provider.AuthHeaderFormat,
				Timeout:          provider.Timeout,
				MaxRetries:       provider.MaxRetries,
				SupportedModels:  provider.Models,
				ModelMap:         provider.ModelMap,
				MaxTokensByModel: provider.MaxTokensByModel,
				MaxTokensCap:     provider.MaxTokensCap,
				ContextWindow:    provider.ContextWindow,
				ThinkingEnabled:  provider.ThinkingEnabled,
			}

			stages := []pipeline.Stage{
				protocol.NewValidator(pid+"-validator", int(r.cfg.Protocol.MaxRequestBytes)),
				codec.NewStage(pid + "-codec"),
				protocol.NewController(pid+"-protocol",
					protocol.WithMaxRequestBytes(int(r.cfg.Protocol.MaxRequestBytes)),
					protocol.WithValidation(*r.cfg.Protocol.Validation),
					protocol.WithStreamConversion(*r.cfg.Protocol.StreamConversion),
				),
				compat.NewAdapter(pid+"-compat", policy),
				upstream.NewStage(pid+"-upstream", client, geminiClient),
			}

			p := pipeline.New(pid, stages, r.registry)
			if err := r.registry.Register(p); err != nil {
				return err
			}

			r.router.RegisterPipeline(p, router.PipelineInfo{
				ServerCompat: family,
				Endpoint:     provider.BaseURL,
				APIKey:       key,
				Timeout:      provider.Timeout,
				MaxRetries:   provider.MaxRetries,
			})
		}
	}
	return nil
}

// familyFor folds compound provider types onto their wire family.
func familyFor(providerType string) string {
	if providerType == "gemini-cli" {
		return compat.FamilyGemini
	}
	return providerType
}

func strategyFor(s config.KeyStrategy) upstream.KeyStrategy {
	if s == config.KeyStrategyRandom {
		return upstream.StrategyRandom
	}
	return upstream.StrategyRoundRobin
}
