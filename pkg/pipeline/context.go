// Package pipeline assembles and runs the ordered module chain that carries
// one request to an upstream provider and its response back.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// RoutingDecision identifies which pipeline handles one request. It is
// computed once by the router and immutable afterwards.
type RoutingDecision struct {
	OriginalModel string        `json:"original_model"`
	MappedModel   string        `json:"mapped_model"`
	ProviderType  string        `json:"provider_type"`
	ProviderName  string        `json:"provider_name"`
	PipelineID    string        `json:"pipeline_id"`
	KeyIndex      int           `json:"key_index"`
	Category      string        `json:"category"`
	ServerCompat  string        `json:"server_compat"`
	Endpoint      string        `json:"endpoint"`
	APIKey        string        `json:"-"`
	Timeout       time.Duration `json:"timeout"`
	MaxRetries    int           `json:"max_retries"`
	Reasoning     string        `json:"reasoning"`
}

// StageTiming records one module's elapsed time in one direction.
type StageTiming struct {
	Module    string        `json:"module"`
	Direction string        `json:"direction"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Transformation is one entry in the append-only log of lossy or
// defaulting rewrites applied to a request or response.
type Transformation struct {
	Module string `json:"module"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Context is the per-request carrier threaded through every stage. It is
// owned by the runner for the duration of one request and never shared.
type Context struct {
	RequestID       string
	StartTime       time.Time
	SessionKey      string
	ConversationKey string
	Decision        *RoutingDecision
	Timings         []StageTiming
	Transformations []Transformation
	Errors          []error
	Metadata        map[string]any
}

func NewContext(sessionKey, conversationKey string) *Context {
	return &Context{
		RequestID:       uuid.NewString(),
		StartTime:       time.Now(),
		SessionKey:      sessionKey,
		ConversationKey: conversationKey,
		Metadata:        make(map[string]any),
	}
}

func (c *Context) RecordTiming(module, direction string, elapsed time.Duration) {
	c.Timings = append(c.Timings, StageTiming{Module: module, Direction: direction, Elapsed: elapsed})
}

func (c *Context) RecordTransformation(module, kind, detail string) {
	c.Transformations = append(c.Transformations, Transformation{Module: module, Kind: kind, Detail: detail})
}

func (c *Context) RecordError(err error) {
	c.Errors = append(c.Errors, err)
}

// HasTransformation reports whether a transformation of the given kind was
// recorded by any module.
func (c *Context) HasTransformation(kind string) bool {
	for _, t := range c.Transformations {
		if t.Kind == kind {
			return true
		}
	}
	return false
}
