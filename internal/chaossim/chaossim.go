// Package chaossim is a partition/convergence test harness for the
// Federated Replicator, adapted from the teacher's chaos-engineering
// experiment runner: the same steady-state/inject/observe/rollback/
// validate phases, retargeted from arbitrary system metrics to replica
// convergence (spec §4.6, §8's "eventual convergence across replicas").
package chaossim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainledger/internal/obs"
)

// Metric samples one observable property of the simulated cluster
// (e.g. "replica clocks agree").
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action injects or heals a fault, e.g. a simulated network partition
// between two replicas.
type Action struct {
	Target  string
	Execute func(context.Context) error
}

// Assertion validates a scenario's final outcome against its hypothesis.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Scenario is one partition/convergence experiment: partition peers,
// let the log diverge, heal the partition, assert convergence within
// Duration.
type Scenario struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Partition   []Action
	Heal        []Action
	Validation  []Assertion
	Duration    time.Duration
}

type MetricViolation struct {
	MetricName string
	Expected   float64
	Actual     float64
	Timestamp  time.Time
}

type DataPoint struct {
	Timestamp time.Time
	Value     float64
}

// Result captures one scenario's execution.
type Result struct {
	ScenarioName     string
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	HypothesisHeld   bool
	SteadyStateValid bool
	Violations       []MetricViolation
	Observations     map[string][]DataPoint
	ConvergedAt      *time.Duration
}

// Harness runs Scenarios and records their Results.
type Harness struct {
	tracer  trace.Tracer
	mu      sync.Mutex
	results []Result
}

func New(metrics *obs.Metrics) *Harness {
	return &Harness{tracer: obs.Tracer("chaossim")}
}

// Results returns every scenario run so far.
func (h *Harness) Results() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Result, len(h.results))
	copy(out, h.results)
	return out
}

// Run executes one scenario's five phases: validate steady state,
// partition, observe until convergence or Duration elapses, heal,
// validate the hypothesis.
func (h *Harness) Run(ctx context.Context, s Scenario) (*Result, error) {
	ctx, span := h.tracer.Start(ctx, "chaossim.run_scenario", trace.WithAttributes(attribute.String("scenario.name", s.Name)))
	defer span.End()

	result := &Result{
		ScenarioName: s.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	if valid, violations := h.validateSteadyState(ctx, s.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		return result, errors.New("chaossim: steady state invalid, aborting scenario")
	}
	result.SteadyStateValid = true

	for _, action := range s.Partition {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			return result, fmt.Errorf("partition action %s: %w", action.Target, err)
		}
	}

	observeCtx, cancel := context.WithTimeout(ctx, s.Duration)
	defer cancel()
	convergedAt := h.observe(observeCtx, s, result)
	result.ConvergedAt = convergedAt

	for _, action := range s.Heal {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	result.HypothesisHeld = h.validateAssertions(s.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	h.mu.Lock()
	h.results = append(h.results, *result)
	h.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (h *Harness) observe(ctx context.Context, s Scenario, result *Result) *time.Duration {
	start := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			allConverged := true
			for _, metric := range s.SteadyState {
				value, err := metric.Query(ctx)
				if err != nil {
					allConverged = false
					continue
				}
				result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: time.Now(), Value: value})
				if !evaluateThreshold(value, metric.Threshold) {
					allConverged = false
					result.Violations = append(result.Violations, MetricViolation{
						MetricName: metric.Name, Expected: metric.Threshold.Value, Actual: value, Timestamp: time.Now(),
					})
				}
			}
			if allConverged {
				elapsed := time.Since(start)
				return &elapsed
			}
		}
	}
}

func (h *Harness) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{MetricName: metric.Name, Expected: metric.Threshold.Value, Actual: -1, Timestamp: time.Now()})
			continue
		}
		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{MetricName: metric.Name, Expected: metric.Threshold.Value, Actual: value, Timestamp: time.Now()})
		}
	}
	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, t Threshold) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

func (h *Harness) validateAssertions(assertions []Assertion, result *Result) bool {
	for _, a := range assertions {
		observations, ok := result.Observations[a.Metric]
		if !ok || len(observations) == 0 {
			return false
		}
		if !a.Condition(observations[len(observations)-1].Value) {
			return false
		}
	}
	return true
}
