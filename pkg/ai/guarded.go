package ai

import (
	"context"
	"time"

	"huddle/pkg/metrics"
	"huddle/pkg/resilience"
)

// Guarded wraps a Generator behind a circuit breaker so a struggling
// generation service fails fast instead of parking every quorum trigger on a
// 10-second timeout.
type Guarded struct {
	gen     Generator
	breaker *resilience.Breaker
}

func NewGuarded(gen Generator, breaker *resilience.Breaker) *Guarded {
	return &Guarded{gen: gen, breaker: breaker}
}

func (g *Guarded) GenerateQuestions(ctx context.Context, party PartyContext, count int) (*Batch, error) {
	var batch *Batch
	start := time.Now()
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		batch, callErr = g.gen.GenerateQuestions(ctx, party, count)
		return callErr
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordGeneration(status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return batch, nil
}
