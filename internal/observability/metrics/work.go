// Package metrics emits the orchestrator's standard StatsD series.
package metrics

import (
	"maps"
	"time"

	obserrors "github.com/target/research-fanout/internal/observability/errors"
	"github.com/target/research-fanout/internal/observability/statsd"
)

// Result tags.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// WorkMetric describes one work item transition handled by a runner.
type WorkMetric struct {
	WorkType   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitWorkLifecycle records a work item transition and, when known, how long it took.
func EmitWorkLifecycle(sink statsd.Sink, in WorkMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"work_type":  in.WorkType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("work.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("work.duration", in.Duration, CloneTags(tags))
	}
}

// ProviderCallMetric describes one audited provider call.
type ProviderCallMetric struct {
	Provider  string
	Model     string
	CallType  string
	Result    string
	ErrorKind string
	Duration  time.Duration
	CostUSD   float64
	Tokens    int64
}

// EmitProviderCall records call counts, latency, spend and token volume per provider.
func EmitProviderCall(sink statsd.Sink, in ProviderCallMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"provider":  in.Provider,
		"model":     in.Model,
		"call_type": in.CallType,
		"result":    in.Result,
	}
	if in.ErrorKind != "" {
		tags["error_kind"] = in.ErrorKind
	}
	sink.Count("provider.call", 1, tags)
	if in.Duration > 0 {
		sink.Timing("provider.latency", in.Duration, CloneTags(tags))
	}
	if in.Tokens > 0 {
		sink.Count("provider.tokens", in.Tokens, CloneTags(tags))
	}
	if in.CostUSD > 0 {
		// Micro-dollars keep the counter integral.
		sink.Count("provider.cost_micro_usd", int64(in.CostUSD*1e6+0.5), CloneTags(tags))
	}
}

// JobOutcomeMetric describes a research job reaching a decision point.
type JobOutcomeMetric struct {
	Status    string
	Providers int
	Trigger   string
}

// EmitJobOutcome counts job status transitions by what caused them.
func EmitJobOutcome(sink statsd.Sink, in JobOutcomeMetric) {
	if sink == nil {
		return
	}
	sink.Count("research.outcome", 1, map[string]string{
		"status":  in.Status,
		"trigger": in.Trigger,
	})
	if in.Providers > 0 {
		sink.Gauge("research.providers", float64(in.Providers), map[string]string{"status": in.Status})
	}
}

// CloneTags copies a tag map, dropping empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := maps.Clone(src)
	delete(out, "")
	return out
}
