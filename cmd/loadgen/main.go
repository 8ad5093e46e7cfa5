package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the load generator settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	authToken   string
)

// Metrics
var (
	totalRequests uint64
	success2xx    uint64
	fail422       uint64 // Validation rejections
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "mixed", "Workload type: register | valuation | fraud | mixed")
	flag.StringVar(&authToken, "token", "", "Bearer token (empty when auth is disabled)")
}

var itemTypes = []string{"electronics", "furniture", "appliances", "jewelry", "collectibles", "clothing", "tools"}
var conditions = []string{"new", "like_new", "good", "fair", "poor"}

func main() {
	flag.Parse()
	log.Printf("Starting load generator: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	seq := 0
	for time.Since(start) < duration {
		seq++
		kind := workload
		if kind == "mixed" {
			kind = []string{"register", "valuation", "fraud"}[rand.Intn(3)]
		}

		var path string
		var payload map[string]interface{}
		switch kind {
		case "register":
			path = "/v1/assets"
			payload = registerPayload(id, seq)
		case "valuation":
			path = "/v1/valuations"
			payload = valuationPayload(id, seq)
		case "fraud":
			path = "/v1/fraud/score"
			payload = fraudPayload(id, seq)
		default:
			log.Fatalf("unknown workload %q", kind)
		}

		body, _ := json.Marshal(payload)
		req, _ := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			atomic.AddUint64(&success2xx, 1)
		case resp.StatusCode == 422:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func registerPayload(worker, seq int) map[string]interface{} {
	return map[string]interface{}{
		"source_app":      "home",
		"source_asset_id": fmt.Sprintf("load-%d-%d", worker, seq),
		"asset_type":      "physical",
		"category":        itemTypes[rand.Intn(len(itemTypes))],
		"name":            fmt.Sprintf("Load test item %d-%d", worker, seq),
		"owner_id":        fmt.Sprintf("load-user-%d", worker),
	}
}

func valuationPayload(worker, seq int) map[string]interface{} {
	return map[string]interface{}{
		"asset_id":              fmt.Sprintf("load-asset-%d-%d", worker, seq),
		"item_type":             itemTypes[rand.Intn(len(itemTypes))],
		"condition":             conditions[rand.Intn(len(conditions))],
		"age_years":             rand.Intn(15),
		"purchase_price_micros": fmt.Sprintf("%d", (rand.Intn(5000)+50)*1_000_000),
		"source_app":            "home",
	}
}

func fraudPayload(worker, seq int) map[string]interface{} {
	return map[string]interface{}{
		"entity_type":             "claim",
		"entity_id":               fmt.Sprintf("load-claim-%d-%d", worker, seq),
		"user_id":                 fmt.Sprintf("load-user-%d", worker),
		"source_app":              "home",
		"event_type":              "CLAIM_SUBMITTED",
		"user_claim_count_30d":    rand.Intn(8),
		"evidence_count":          rand.Intn(5),
		"has_anchor_verification": rand.Intn(2) == 0,
		"has_ledger_history":      rand.Intn(2) == 0,
		"amount_micros":           fmt.Sprintf("%d", (rand.Intn(20000)+100)*1_000_000),
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&success2xx)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": tps,
		"success":        ok,
		"rejected_422":   f422,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
