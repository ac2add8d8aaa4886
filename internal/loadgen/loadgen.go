// Package loadgen drives a running relay's webhook with synthetic chat
// updates and summarises latency and status codes.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/extraction-relay/internal/chat"
)

// DefaultMessages are sample startup blurbs, half of which describe a
// company with links.
var DefaultMessages = []string{
	"Acme Robotics raised a $5M seed led by Foo Ventures. Deck: https://example.com/acme-deck password: acme2026",
	"hello, is anyone there?",
	"Beta Labs (https://betalabs.example) builds battery recycling plants. Twitter: https://x.com/betalabs",
	"what's the weather like?",
	"Gamma Health closed a $12M Series A. Data room https://dr.example/gamma",
	"/start",
}

// Config describes one load run.
type Config struct {
	URL    string
	Secret string
	// Concurrency workers post in a loop for Duration.
	Concurrency int
	Duration    time.Duration
	// Conversations spreads updates across this many chat ids so per
	// conversation limits are exercised realistically.
	Conversations int
	Messages      []string
}

// Report summarises a run.
type Report struct {
	Total       int64
	Succeeded   int64
	Failed      int64
	Elapsed     time.Duration
	StatusCodes map[int]int64
	Latencies   []time.Duration
}

type recorder struct {
	total, ok, failed atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func (r *recorder) record(d time.Duration, status int, err error) {
	r.total.Add(1)
	if err != nil {
		r.failed.Add(1)
		return
	}
	if status >= 200 && status < 300 {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, d)
	r.codes[status]++
	r.mu.Unlock()
}

// Run posts updates until cfg.Duration elapses or ctx is cancelled.
func Run(ctx context.Context, client *http.Client, cfg Config) Report {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Conversations < 1 {
		cfg.Conversations = cfg.Concurrency
	}
	if len(cfg.Messages) == 0 {
		cfg.Messages = DefaultMessages
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	rec := &recorder{codes: make(map[int]int64)}
	var updateID atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; ctx.Err() == nil; i += cfg.Concurrency {
				id := updateID.Add(1)
				body, err := encodeUpdate(id, int64(1000+i%cfg.Conversations), cfg.Messages[i%len(cfg.Messages)])
				if err != nil {
					rec.record(0, 0, err)
					continue
				}
				began := time.Now()
				status, err := post(ctx, client, cfg, body)
				if ctx.Err() != nil {
					return
				}
				rec.record(time.Since(began), status, err)
			}
		}(w)
	}
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Report{
		Total:       rec.total.Load(),
		Succeeded:   rec.ok.Load(),
		Failed:      rec.failed.Load(),
		Elapsed:     time.Since(start),
		StatusCodes: rec.codes,
		Latencies:   rec.latencies,
	}
}

func encodeUpdate(id, chatID int64, text string) ([]byte, error) {
	msg := &chat.Message{MessageID: id, Text: text}
	msg.Chat.ID = chatID
	return json.Marshal(chat.Update{UpdateID: id, Message: msg})
}

func post(ctx context.Context, client *http.Client, cfg Config, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set(chat.SecretHeader, cfg.Secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Percentile returns the p-th percentile of sorted.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Print writes a human-readable summary of r.
func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Total Requests:  %d\n", r.Total)
	fmt.Fprintf(w, "Successful:      %d\n", r.Succeeded)
	fmt.Fprintf(w, "Failed:          %d\n", r.Failed)
	if r.Total > 0 && r.Elapsed > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(r.Failed)/float64(r.Total)*100)
		fmt.Fprintf(w, "Requests/sec:    %.2f\n", float64(r.Total)/r.Elapsed.Seconds())
	}

	if len(r.Latencies) > 0 {
		sorted := append([]time.Duration(nil), r.Latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum time.Duration
		for _, l := range sorted {
			sum += l
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Latency ===")
		fmt.Fprintf(w, "Min:    %s\n", sorted[0])
		fmt.Fprintf(w, "Avg:    %s\n", sum/time.Duration(len(sorted)))
		fmt.Fprintf(w, "P50:    %s\n", Percentile(sorted, 50))
		fmt.Fprintf(w, "P95:    %s\n", Percentile(sorted, 95))
		fmt.Fprintf(w, "P99:    %s\n", Percentile(sorted, 99))
		fmt.Fprintf(w, "Max:    %s\n", sorted[len(sorted)-1])
	}

	codes := make([]int, 0, len(r.StatusCodes))
	for code := range r.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Status Codes ===")
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, r.StatusCodes[code])
	}
}
