package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"hydronet/pkg/ratelimit"
)

func BenchmarkMemoryLimiter_Allow(b *testing.B) {
	l := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		Requests: 1000000,
		Window:   time.Minute,
		Strategy: "token_bucket",
	})
	defer l.Close()

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Allow(ctx, "bench-key")
	}
}

func BenchmarkMemoryLimiter_AllowParallel(b *testing.B) {
	l := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		Requests: 1000000,
		Window:   time.Minute,
		Strategy: "sliding_window",
	})
	defer l.Close()

	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l.Allow(ctx, fmt.Sprintf("key-%d", i%64))
			i++
		}
	})
}
