package upstream

import (
	"context"
	"time"

	"github.com/kadirpekel/switchboard/pkg/compat"
	"github.com/kadirpekel/switchboard/pkg/gemini"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/observability"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Stage is the last pipeline module: it turns the processed request into
// an actual provider call. The wrapped clients are shared across every
// pipeline pointing at the same provider.
type Stage struct {
	*module.Base
	client *Client
	gemini *GeminiClient
}

func NewStage(id string, client *Client, geminiClient *GeminiClient) *Stage {
	return &Stage{
		Base:   module.NewBase(id, "upstream-client", module.TypeUpstream),
		client: client,
		gemini: geminiClient,
	}
}

func (s *Stage) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	switch req := payload.(type) {
	case *openai.ChatRequest:
		if s.client == nil {
			return nil, relayerror.New(relayerror.TypeAPI,
				"no OpenAI-compatible client configured").WithModule(s.ID())
		}
		start := time.Now()
		resp, err := s.client.Process(ctx, req)
		if err != nil {
			s.recordCall(ctx, pctx, req.Model, time.Since(start), 0, 0, err)
			return nil, err
		}
		s.recordCall(ctx, pctx, req.Model, time.Since(start),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
		return resp, nil

	case *gemini.GenerateRequest:
		if s.gemini == nil {
			return nil, relayerror.New(relayerror.TypeAPI,
				"no gemini client configured").WithModule(s.ID())
		}
		cfg, _ := pctx.Metadata[compat.MetaProtocolConfig].(compat.ProtocolConfig)
		start := time.Now()
		resp, err := s.gemini.Process(ctx, req, cfg)
		if err != nil {
			s.recordCall(ctx, pctx, req.Model, time.Since(start), 0, 0, err)
			return nil, err
		}
		var in, out int
		if _, usage := resp.Body(); usage != nil {
			in, out = usage.PromptTokenCount, usage.CandidatesTokenCount
		}
		s.recordCall(ctx, pctx, req.Model, time.Since(start), in, out, nil)
		return resp, nil

	default:
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"upstream stage cannot dispatch %T", payload).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}
}

// ProcessResponse is a no-op; the upstream's output enters the reverse
// pass untouched.
func (s *Stage) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	return payload, nil
}

// HealthCheck runs the credential probe so pipeline validation covers
// provider reachability.
func (s *Stage) HealthCheck(ctx context.Context) error {
	if s.client != nil {
		return s.client.CheckAuth(ctx)
	}
	return nil
}

// recordCall feeds the upstream instruments; no global recorder makes
// this a no-op.
func (s *Stage) recordCall(ctx context.Context, pctx *pipeline.Context, model string, elapsed time.Duration, inputTokens, outputTokens int, err error) {
	m := observability.GetGlobalMetrics()
	if m == nil {
		return
	}
	provider := ""
	if pctx.Decision != nil {
		provider = pctx.Decision.ProviderName
	}
	m.RecordUpstreamCall(ctx, provider, model, elapsed, inputTokens, outputTokens, err)
}
