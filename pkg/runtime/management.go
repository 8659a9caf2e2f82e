package runtime

import (
	"sort"
	"time"

	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/router"
)

// Health buckets for the management surface.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// PipelineStatus is the management view of one pipeline.
type PipelineStatus struct {
	ID           string         `json:"id"`
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	KeyIndex     int            `json:"key_index"`
	Status       module.Status  `json:"status"`
	Health       string         `json:"health"`
	LastCheck    time.Time      `json:"last_check"`
	ResponseTime time.Duration  `json:"response_time"`
	Stats        pipeline.Stats `json:"stats"`
}

// healthOf buckets a pipeline: stopped is unhealthy, a failure majority is
// degraded, everything else is healthy.
func healthOf(status module.Status, stats pipeline.Stats) string {
	if status != module.StatusRunning {
		return HealthUnhealthy
	}
	if stats.Failure > 0 && stats.Failure >= stats.Success {
		return HealthDegraded
	}
	return HealthHealthy
}

// ListPipelines reports every registered pipeline sorted by id.
func (r *Runtime) ListPipelines() []PipelineStatus {
	pipelines := r.router.Pipelines()

	out := make([]PipelineStatus, 0, len(pipelines))
	for id, p := range pipelines {
		stats := p.Stats()
		status := PipelineStatus{
			ID:           id,
			Status:       p.Status(),
			Health:       healthOf(p.Status(), stats),
			LastCheck:    stats.LastActivity,
			ResponseTime: stats.AvgTime,
			Stats:        stats,
		}
		if provider, model, keyIndex, err := router.ParsePipelineID(id); err == nil {
			status.Provider = provider
			status.Model = model
			status.KeyIndex = keyIndex
		}
		out = append(out, status)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PipelineStats returns execution statistics for one pipeline.
func (r *Runtime) PipelineStats(id string) (pipeline.Stats, bool) {
	p, ok := r.router.Pipeline(id)
	if !ok {
		return pipeline.Stats{}, false
	}
	return p.Stats(), true
}

// ModuleMetrics reports per-module counters keyed by module id.
func (r *Runtime) ModuleMetrics() map[string]module.Metrics {
	out := make(map[string]module.Metrics)
	for _, m := range r.registry.List() {
		out[m.ID()] = m.Metrics()
	}
	return out
}
