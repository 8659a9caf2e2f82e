package upstream

import (
	"github.com/kadirpekel/switchboard/pkg/compat"
	"github.com/kadirpekel/switchboard/pkg/gemini"
)

func geminiRequestFixture() *gemini.GenerateRequest {
	return &gemini.GenerateRequest{
		Model: "gemini-2.5-pro",
		Request: &gemini.InnerRequest{
			Contents: []gemini.Content{{
				Role:  gemini.RoleUser,
				Parts: []gemini.Part{{Text: "hi"}},
			}},
		},
	}
}

func geminiConfig(endpoint, key string) compat.ProtocolConfig {
	return compat.ProtocolConfig{
		Endpoint: endpoint,
		APIKey:   key,
	}
}
