package benchmarks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/entity"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
	"github.com/randalmurphal/kgstream/pkg/kgstream/projects"
	"github.com/randalmurphal/kgstream/pkg/kgstream/stream"
)

// BenchmarkStream_Rebuild_1000 indexes 1000 project events from scratch.
func BenchmarkStream_Rebuild_1000(b *testing.B) {
	benchmarkRebuild(b, 1000, 100)
}

// BenchmarkStream_Rebuild_1000_Batch10 uses small batches.
func BenchmarkStream_Rebuild_1000_Batch10(b *testing.B) {
	benchmarkRebuild(b, 1000, 10)
}

// BenchmarkAggregate_Create measures command evaluation with an append.
func BenchmarkAggregate_Create(b *testing.B) {
	agg, err := projects.New(eventlog.NewMemoryLog())
	if err != nil {
		b.Fatal(err)
	}
	defer agg.Stop()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := entity.Key("bench", fmt.Sprintf("p-%d", i))
		_, _ = agg.Evaluate(ctx, id, projects.Create{Name: "bench"})
	}
}

func benchmarkRebuild(b *testing.B, events, maxBatch int) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	agg, err := projects.New(log)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < events; i++ {
		id := entity.Key("bench", fmt.Sprintf("p-%d", i))
		if _, err := agg.Evaluate(ctx, id, projects.Create{Name: "bench"}); err != nil {
			b.Fatal(err)
		}
	}
	agg.Stop()
	head := eventlog.Offset(events)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := stream.New(stream.Config{
			Projection: "bench",
			Tag:        projects.Tag,
			Index:      projects.IndexName,
			MaxBatch:   maxBatch,
			MaxWindow:  time.Millisecond,
		}, stream.Deps{
			Log:      log,
			Progress: progress.NewMemoryStore(),
			Index:    index.NewMemoryIndex(),
			Exchange: projects.NewExchange(log, ""),
		})
		if err != nil {
			b.Fatal(err)
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.Run(runCtx) }()
		for s.Stats().Offset < head {
			time.Sleep(100 * time.Microsecond)
		}
		cancel()
		if err := <-done; err != nil {
			b.Fatal(err)
		}
	}
}
