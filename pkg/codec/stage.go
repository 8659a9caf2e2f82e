package codec

import (
	"context"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Stage adapts the dialect translation to the pipeline module surface.
type Stage struct {
	*module.Base
}

func NewStage(id string) *Stage {
	return &Stage{Base: module.NewBase(id, "dialect-codec", module.TypeCodec)}
}

// ProcessRequest translates the client envelope to the OpenAI-family shape,
// substituting the routed model when a decision is present.
func (s *Stage) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	req, ok := payload.(*anthropic.MessagesRequest)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"codec expects a client-dialect request, got %T", payload).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}

	targetModel := ""
	if pctx.Decision != nil {
		targetModel = pctx.Decision.MappedModel
	}
	return RequestToOpenAI(req, targetModel, pctx)
}

// ProcessResponse translates the canonical OpenAI-family response back to
// the client dialect.
func (s *Stage) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	resp, ok := payload.(*openai.ChatResponse)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"codec expects an OpenAI-family response, got %T", payload).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}
	return ResponseToClient(resp, pctx)
}
