package protocol

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Metadata keys threaded through the pipeline context.
const (
	// MetaClientStream marks that the original client request asked for
	// streaming before the pipeline collapsed it.
	MetaClientStream = "clientStream"
	// MetaStreamChunks carries the re-expanded chunk sequence for the
	// edge to serialize; the in-pipeline payload stays non-stream.
	MetaStreamChunks = "streamChunks"
)

// Validator is the first pipeline stage. It guards the ingress envelope's
// structure and size before any translation happens.
type Validator struct {
	*module.Base
	maxBytes int
}

func NewValidator(id string, maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	return &Validator{
		Base:     module.NewBase(id, "validator", module.TypeValidator),
		maxBytes: maxBytes,
	}
}

func (v *Validator) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	req, ok := payload.(*anthropic.MessagesRequest)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"validator expects a client-dialect request, got %T", payload).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}

	if req.Model == "" {
		return nil, relayerror.New(relayerror.TypeValidation, "request is missing a model").
			WithCode(relayerror.CodeMissingModel).WithParam("model")
	}
	if len(req.Messages) == 0 {
		return nil, relayerror.New(relayerror.TypeValidation, "request has no messages").
			WithCode(relayerror.CodeInvalidMessages).WithParam("messages")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return nil, relayerror.Newf(relayerror.TypeValidation,
				"message %d has an empty role", i).
				WithCode(relayerror.CodeInvalidMessageRole).WithParam("messages")
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, relayerror.Wrap(relayerror.TypeValidation, "request is not serializable", err).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}
	if len(data) > v.maxBytes {
		return nil, relayerror.Newf(relayerror.TypeValidation,
			"request size %d exceeds limit %d", len(data), v.maxBytes).
			WithCode(relayerror.CodeRequestSizeExceeded)
	}

	return req, nil
}

// ProcessResponse is a no-op; the controller already validated the
// upstream response on the way back.
func (v *Validator) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	return payload, nil
}

// Controller is the protocol stage. Forward it collapses streaming
// requests; backward it validates the upstream response and re-expands it
// to chunks when the client streamed.
type Controller struct {
	*module.Base
	maxBytes         int
	validationOn     bool
	streamConversion bool
}

type ControllerOption func(*Controller)

func WithMaxRequestBytes(n int) ControllerOption {
	return func(c *Controller) { c.maxBytes = n }
}

func WithValidation(on bool) ControllerOption {
	return func(c *Controller) { c.validationOn = on }
}

func WithStreamConversion(on bool) ControllerOption {
	return func(c *Controller) { c.streamConversion = on }
}

func NewController(id string, opts ...ControllerOption) *Controller {
	c := &Controller{
		Base:             module.NewBase(id, "protocol-controller", module.TypeProtocol),
		maxBytes:         DefaultMaxRequestBytes,
		validationOn:     true,
		streamConversion: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	req, ok := payload.(*openai.ChatRequest)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"protocol controller expects an OpenAI-family request, got %T", payload).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}

	if c.validationOn {
		if err := ValidateRequest(req, c.maxBytes); err != nil {
			return nil, err
		}
	}

	if req.Stream && c.streamConversion {
		pctx.Metadata[MetaClientStream] = true
		pctx.RecordTransformation(c.ID(), "stream_collapsed", "")
		return StreamRequestToNonStream(req), nil
	}
	return req, nil
}

func (c *Controller) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	resp, ok := payload.(*openai.ChatResponse)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"protocol controller expects an OpenAI-family response, got %T", payload).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}

	if c.validationOn {
		if err := ValidateResponse(resp); err != nil {
			return nil, err
		}
	}

	if wantStream, _ := pctx.Metadata[MetaClientStream].(bool); wantStream && c.streamConversion {
		pctx.Metadata[MetaStreamChunks] = NonStreamResponseToStream(resp)
		pctx.RecordTransformation(c.ID(), "stream_reexpanded", "")
	}
	return resp, nil
}
