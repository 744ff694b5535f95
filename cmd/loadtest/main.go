// Command loadtest drives concurrent document writes against a running write
// master and reports throughput, latency percentiles and status codes.
//
// Usage:
//
//	go run ./cmd/loadtest [-url http://localhost:8080] [-concurrency 10] [-duration 30s] [-documents 0]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MatthewMawby/SearchIndex/internal/write"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	// Documents bounds the set of document IDs written. Zero gives every
	// request a fresh document, so no request ever sees a held lock.
	Documents int
	Tokens    int
	Vocab     []string
}

// sample is one completed request. code is 0 for transport failures.
type sample struct {
	latency time.Duration
	code    int
}

// Stats collects samples from all writers; totals are derived when the
// report is printed.
type Stats struct {
	mu      sync.Mutex
	samples []sample
}

func NewStats() *Stats {
	return &Stats{samples: make([]sample, 0, 100000)}
}

func (s *Stats) RecordRequest(latency time.Duration, code int, err error) {
	if err != nil {
		code = 0
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{latency: latency, code: code})
	s.mu.Unlock()
}

// summary is the aggregate view of a run.
type summary struct {
	total, accepted, locked, failed int
	codes                           map[int]int
	latencies                       []time.Duration
}

func (s *Stats) summarize() summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := summary{total: len(s.samples), codes: make(map[int]int)}
	for _, smp := range s.samples {
		switch {
		case smp.code == 0:
			sum.failed++
			continue
		case smp.code >= 200 && smp.code < 300:
			sum.accepted++
		case smp.code == http.StatusConflict:
			sum.locked++
		default:
			sum.failed++
		}
		sum.codes[smp.code]++
		sum.latencies = append(sum.latencies, smp.latency)
	}
	slices.Sort(sum.latencies)
	return sum
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the write master")
	concurrency := flag.Int("concurrency", 10, "number of concurrent writers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	documents := flag.Int("documents", 0, "distinct document IDs to write (0 = a new document per request)")
	tokens := flag.Int("tokens", 50, "tokens per document")
	vocabSize := flag.Int("vocab", 5000, "size of the synthetic vocabulary")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		Documents:   *documents,
		Tokens:      *tokens,
		Vocab:       vocabulary(*vocabSize),
	}

	fmt.Println("=== Index Write Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Tokens/doc:  %d of %d\n", cfg.Tokens, len(cfg.Vocab))
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

// vocabulary returns n distinct tokens spread across the alphabet so that
// writes land in many partitions.
func vocabulary(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%c%c%05d", 'a'+i%26, 'a'+(i/26)%26, i)
	}
	return words
}

// buildRequest produces a write of cfg.Tokens distinct unigrams with
// sequential locations and a title range over the first few tokens.
func buildRequest(cfg Config, rng *rand.Rand, docID string) write.Request {
	seen := make(map[string]bool, cfg.Tokens)
	req := write.Request{DocumentID: docID, ImportantTokenRanges: []write.TokenRange{}}
	for len(req.Tokens) < cfg.Tokens && len(seen) < len(cfg.Vocab) {
		word := cfg.Vocab[rng.IntN(len(cfg.Vocab))]
		if seen[word] {
			continue
		}
		seen[word] = true
		req.Tokens = append(req.Tokens, write.TokenInfo{
			Token:     word,
			NgramSize: 1,
			Locations: []int{len(req.Tokens)},
		})
	}
	req.TokenCount = len(req.Tokens)
	if req.TokenCount > 0 {
		req.ImportantTokenRanges = append(req.ImportantTokenRanges, write.TokenRange{
			FieldName:  "title",
			RangeStart: 0,
			RangeEnd:   min(3, req.TokenCount),
		})
	}
	return req
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var (
		wg  sync.WaitGroup
		seq atomic.Int64
	)
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(workerID)))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				n := seq.Add(1)
				if cfg.Documents > 0 {
					n = n % int64(cfg.Documents)
				}
				body, err := json.Marshal(buildRequest(cfg, rng, fmt.Sprintf("loadtest-%d", n)))
				if err != nil {
					panic(fmt.Sprintf("encoding request: %v", err))
				}

				start := time.Now()
				resp, err := client.Do(mustNewRequest(ctx, cfg.BaseURL+"/api/v1/writes", body))
				duration := time.Since(start)

				if err != nil {
					if ctx.Err() != nil {
						return
					}
					stats.RecordRequest(duration, 0, err)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				stats.RecordRequest(duration, resp.StatusCode, nil)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func mustNewRequest(ctx context.Context, rawURL string, body []byte) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func printReport(stats *Stats, duration time.Duration) {
	sum := stats.summarize()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", sum.total)
	fmt.Printf("Accepted:        %d\n", sum.accepted)
	fmt.Printf("Locked (409):    %d\n", sum.locked)
	fmt.Printf("Errors:          %d\n", sum.failed)
	if sum.total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(sum.failed)/float64(sum.total)*100)
		fmt.Printf("Writes/sec:      %.2f\n", float64(sum.accepted)/duration.Seconds())
	}

	if n := len(sum.latencies); n > 0 {
		var total time.Duration
		for _, l := range sum.latencies {
			total += l
		}
		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", sum.latencies[0])
		fmt.Printf("Avg:    %s\n", total/time.Duration(n))
		for _, p := range []float64{50, 95, 99} {
			fmt.Printf("P%-5.0f %s\n", p, percentile(sum.latencies, p))
		}
		fmt.Printf("Max:    %s\n", sum.latencies[n-1])
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	codes := slices.Sorted(maps.Keys(sum.codes))
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, sum.codes[code])
	}

	if sum.total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the write master running?")
		os.Exit(1)
	}
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[min(max(rank-1, 0), len(sorted)-1)]
}
