// Benchmark tool for load-testing the Deal Brain valuation pipeline.
//
// Usage:
//
//	go run cmd/benchmark/main.go -listings 5000 -workers 10
//
// This tool seeds a temporary sqlite database with a synthetic ruleset and
// a configurable number of listings, then drives concurrent
// Coordinator.EvaluateListing calls against it and reports latency and
// throughput statistics.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dealbrain/valuation/internal/actions"
	"github.com/dealbrain/valuation/internal/coordinator"
	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
	"github.com/dealbrain/valuation/internal/hydrator"
	"github.com/dealbrain/valuation/internal/repository"
	"github.com/dealbrain/valuation/internal/rules"
)

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64

	mu         sync.Mutex
	latencies  []time.Duration
}

func (m *Metrics) record(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

func main() {
	numListings := flag.Int("listings", 5000, "Number of synthetic listings to seed")
	numWorkers := flag.Int("workers", 10, "Number of concurrent evaluators")
	dbPath := flag.String("db", "", "Path to sqlite db file (default: temp file, deleted after run)")
	verbose := flag.Bool("verbose", false, "Print each listing's adjusted price")
	flag.Parse()

	fmt.Println("================================================================")
	fmt.Println("          DEAL BRAIN BENCHMARK - valuation throughput")
	fmt.Println("================================================================")
	fmt.Printf("\nListings:    %d\n", *numListings)
	fmt.Printf("Workers:     %d\n", *numWorkers)

	path := *dbPath
	cleanup := func() {}
	if path == "" {
		f, err := os.CreateTemp("", "dealbrain-benchmark-*.db")
		if err != nil {
			fmt.Printf("ERROR: failed to create temp db: %v\n", err)
			os.Exit(1)
		}
		path = f.Name()
		f.Close()
		cleanup = func() { os.Remove(path) }
	}
	defer cleanup()

	ctx := context.Background()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		fmt.Printf("ERROR: failed to open repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	// A second handle onto the same file seeds rulesets/groups directly:
	// the Repository interface intentionally has no ruleset/group writer,
	// since those are authored through a separate admin surface.
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		fmt.Printf("ERROR: failed to open raw sqlite handle: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	sandbox, err := formula.NewSandbox(0)
	if err != nil {
		fmt.Printf("ERROR: failed to build formula sandbox: %v\n", err)
		os.Exit(1)
	}
	engine := rules.NewEngine(actions.NewEvaluator(sandbox, 0))
	hyd := hydrator.New(repo, sandbox, nil)
	coord := coordinator.New(repo, engine, hyd, nil, nil)

	fmt.Println("\nSeeding synthetic ruleset and listings...")
	rulesetID, err := seedRuleset(ctx, db, repo)
	if err != nil {
		fmt.Printf("ERROR: failed to seed ruleset: %v\n", err)
		os.Exit(1)
	}
	listingIDs, err := seedListings(ctx, repo, rulesetID, *numListings)
	if err != nil {
		fmt.Printf("ERROR: failed to seed listings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %d listings under ruleset %d\n", len(listingIDs), rulesetID)

	fmt.Printf("\nEvaluating %d listings with %d workers...\n", len(listingIDs), *numWorkers)
	metrics := &Metrics{}
	start := time.Now()
	runBenchmark(ctx, coord, listingIDs, *numWorkers, *verbose, metrics)
	duration := time.Since(start)

	printResults(metrics, duration)
}

// seedRuleset inserts one active ruleset with a single rule group holding
// one unconditional rule: a fixed_value deduction scaled by per-condition
// multipliers. It is the only rule the benchmark evaluates.
func seedRuleset(ctx context.Context, db *sql.DB, repo domain.Repository) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO rulesets (name, priority, is_active, is_system_default, category_weights) VALUES (?, ?, ?, ?, ?)`,
		"benchmark", 10, true, false, "{}",
	)
	if err != nil {
		return 0, fmt.Errorf("inserting ruleset: %w", err)
	}
	rulesetID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading ruleset id: %w", err)
	}

	res, err = db.ExecContext(ctx,
		`INSERT INTO rule_groups (ruleset_id, name, category, display_order, weight) VALUES (?, ?, ?, ?, ?)`,
		rulesetID, "condition adjustment", "condition", 0, nil,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting rule group: %w", err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading rule group id: %w", err)
	}

	rule := &domain.Rule{
		GroupID:  groupID,
		Name:     "cosmetic deduction",
		IsActive: true,
		Version:  1,
		Actions: []domain.Action{{
			Kind:                 domain.ActionFixedValue,
			Amount:               -100,
			ConditionMultipliers: &domain.ConditionMultipliers{New: 1.0, Refurb: 0.75, Used: 0.5},
		}},
	}
	if err := repo.SaveRule(ctx, rule); err != nil {
		return 0, fmt.Errorf("saving rule: %w", err)
	}

	return rulesetID, nil
}

func seedListings(ctx context.Context, repo domain.Repository, rulesetID int64, n int) ([]int64, error) {
	rng := rand.New(rand.NewSource(1))
	ids := make([]int64, 0, n)
	conditions := []domain.ListingCondition{domain.ConditionNew, domain.ConditionRefurb, domain.ConditionUsed}

	for i := 0; i < n; i++ {
		listing := &domain.Listing{
			BasePrice: 200 + rng.Float64()*1800,
			Condition: conditions[rng.Intn(len(conditions))],
			RulesetID: rulesetID,
		}
		if err := repo.SaveListing(ctx, listing); err != nil {
			return nil, fmt.Errorf("seeding listing %d: %w", i, err)
		}
		ids = append(ids, listing.ID)
	}
	return ids, nil
}

func runBenchmark(ctx context.Context, coord *coordinator.Coordinator, listingIDs []int64, numWorkers int, verbose bool, metrics *Metrics) {
	work := make(chan int64, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for listingID := range work {
				start := time.Now()
				breakdown, err := coord.EvaluateListing(ctx, listingID)
				elapsed := time.Since(start)
				metrics.record(elapsed)

				atomic.AddInt64(&metrics.TotalProcessed, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: listing %d -> %v\n", listingID, err)
					}
					continue
				}
				if verbose {
					fmt.Printf("listing %d: base=%.2f adjusted=%.2f (%s)\n",
						listingID, breakdown.BasePrice, breakdown.AdjustedPrice, elapsed)
				}
			}
		}()
	}

	for _, id := range listingIDs {
		work <- id
	}
	close(work)
	wg.Wait()
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n================================================================")
	fmt.Println("                      BENCHMARK RESULTS")
	fmt.Println("================================================================")

	fmt.Printf("\nTotal Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("Errors:           %d\n", m.TotalErrors)
	fmt.Printf("Total Duration:   %v\n", duration.Round(time.Millisecond))

	if m.TotalProcessed > 0 {
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("Throughput:       %.2f evaluations/sec\n", tps)
	}

	m.mu.Lock()
	latencies := append([]time.Duration(nil), m.latencies...)
	m.mu.Unlock()

	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50:  %v\n", percentile(latencies, 0.50))
	fmt.Printf("   p90:  %v\n", percentile(latencies, 0.90))
	fmt.Printf("   p99:  %v\n", percentile(latencies, 0.99))
	fmt.Printf("   max:  %v\n", latencies[len(latencies)-1])
	fmt.Println()
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
