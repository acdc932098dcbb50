package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"pagedb/pkg/engine"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	P50Latency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
}

// kvBackend lets the same workload run against pagedb and a pebble baseline.
type kvBackend interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Close() error
}

type pebbleBackend struct {
	db *pebble.DB
}

func (b *pebbleBackend) Put(key, value []byte) error {
	return b.db.Set(key, value, pebble.Sync)
}

func (b *pebbleBackend) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := b.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	closer.Close()
	return out, true, nil
}

func (b *pebbleBackend) Close() error {
	return b.db.Close()
}

func openBackend(name, dir string) (kvBackend, error) {
	switch name {
	case "pagedb":
		return engine.Open(engine.Options{Dir: dir})
	case "pebble":
		db, err := pebble.Open(dir, &pebble.Options{})
		if err != nil {
			return nil, err
		}
		return &pebbleBackend{db: db}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want pagedb or pebble)", name)
	}
}

func main() {
	engineName := flag.String("engine", "pagedb", "backend to benchmark: pagedb or pebble")
	dir := flag.String("dir", "", "store directory (default: temp dir)")
	ops := flag.Int("ops", 1000, "operations per test")
	concurrency := flag.Int("concurrency", 10, "goroutines for the concurrent tests")
	valueSize := flag.Int("value-size", 128, "value size in bytes")
	flag.Parse()

	workDir := *dir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "pagedb-bench-")
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	backend, err := openBackend(*engineName, workDir)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	fmt.Println("=== pagedb Benchmark ===")
	fmt.Printf("Engine: %s\n", *engineName)
	fmt.Printf("Dir:    %s\n", workDir)
	fmt.Printf("Ops:    %d, value size %dB\n", *ops, *valueSize)
	fmt.Println()

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult("Writes", benchmarkWrites(backend, value, *ops, 1))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", *ops)
	printResult("Reads", benchmarkReads(backend, *ops, 1))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult("Concurrent Writes", benchmarkWrites(backend, value, *ops, *concurrency))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult("Concurrent Reads", benchmarkReads(backend, *ops, *concurrency))

	fmt.Println("\n=== Benchmark Complete ===")
}

func benchmarkWrites(backend kvBackend, value []byte, totalOps, concurrency int) BenchmarkResult {
	return runWorkload(totalOps, concurrency, func(goroutineID, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", goroutineID, j)
		return backend.Put([]byte(key), value)
	})
}

func benchmarkReads(backend kvBackend, totalOps, concurrency int) BenchmarkResult {
	return runWorkload(totalOps, concurrency, func(goroutineID, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", goroutineID, j)
		_, _, err := backend.Get([]byte(key))
		return err
	})
}

func runWorkload(totalOps, concurrency int, op func(goroutineID, j int) error) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	result := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
	}
	if duration > 0 {
		result.OpsPerSec = float64(totalOps) / duration.Seconds()
	}
	if len(latencies) == 0 {
		return result
	}

	sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })

	var sum time.Duration
	for _, lat := range latencies {
		sum += lat
	}
	result.MinLatency = latencies[0]
	result.MaxLatency = latencies[len(latencies)-1]
	result.AvgLatency = sum / time.Duration(len(latencies))
	result.P50Latency = percentile(latencies, 50)
	result.P95Latency = percentile(latencies, 95)
	result.P99Latency = percentile(latencies, 99)
	return result
}

// percentile expects sorted latencies.
func percentile(latencies []time.Duration, p int) time.Duration {
	idx := len(latencies) * p / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

func printResult(name string, r BenchmarkResult) {
	fmt.Printf("  %s: %d ops in %v (%.0f ops/sec)\n", name, r.TotalOps, r.Duration.Round(time.Millisecond), r.OpsPerSec)
	fmt.Printf("    success=%d failed=%d\n", r.SuccessfulOps, r.FailedOps)
	fmt.Printf("    latency min=%v avg=%v max=%v\n", r.MinLatency, r.AvgLatency, r.MaxLatency)
	fmt.Printf("    latency p50=%v p95=%v p99=%v\n", r.P50Latency, r.P95Latency, r.P99Latency)
}
