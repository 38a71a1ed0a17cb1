package ratelimit_test

import (
	"context"
	"fmt"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/ratelimit"
)

func ExampleNewRateLimiter() {
	limiter := ratelimit.NewRateLimiter(100)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := limiter.Wait(ctx); err != nil {
			fmt.Println("Context cancelled")
			return
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("5 iterations started within the burst: %v\n", elapsed < 100*time.Millisecond)
	// Output: 5 iterations started within the burst: true
}

func ExampleRateLimiter_SetRate() {
	limiter := ratelimit.NewRateLimiter(10)
	limiter.SetRate(50)
	fmt.Println("capped at", limiter.Rate())
	limiter.SetRate(0)
	fmt.Println("capped at", limiter.Rate())
	// Output:
	// capped at 50
	// capped at 0
}

func ExampleNewPhaseManager() {
	scenario := config.ScenarioConfig{
		Executor: config.ExecutorRampingVUs,
		Stages: []config.Stage{
			{Duration: 30 * time.Second, Target: 30},
			{Duration: 30 * time.Second, Target: 30, RPS: 100},
			{Duration: 30 * time.Second, Target: 0},
		},
	}

	pm := ratelimit.NewPhaseManager(scenario.Phases())

	fmt.Printf("Phase: %s, Target VUs: %d\n", pm.CurrentPhase().Name, pm.TargetVUs())
	fmt.Printf("Halfway up: %d, holding: %d, halfway down: %d\n",
		pm.TargetAt(15*time.Second), pm.TargetAt(45*time.Second), pm.TargetAt(75*time.Second))
	// Output:
	// Phase: stage-1, Target VUs: 0
	// Halfway up: 15, holding: 30, halfway down: 15
}
