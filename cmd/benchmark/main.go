// Benchmark tool for replaying labelled transaction data against Kestrel.
//
// Usage:
//
//	go run cmd/benchmark/main.go -csv /path/to/transactions.csv -url http://localhost:8080
//
// The CSV needs a header with at least: customer_id, amount, currency,
// direction. Optional columns: counterparty_id, counterparty_country,
// channel, is_suspicious (1/0 label for the confusion matrix).
//
// Each row is POSTed to /transactions; Kestrel's decision (alert or
// clear) is compared against the label to report precision and recall.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabelledTransaction is one row of the replay file.
type LabelledTransaction struct {
	CustomerID          string
	Amount              string
	Currency            string
	Direction           string
	CounterpartyID      string
	CounterpartyCountry string
	Channel             string
	IsSuspicious        bool
}

type monitorRequest struct {
	CustomerID          string `json:"customerId"`
	Amount              string `json:"amount"`
	Currency            string `json:"currency"`
	Direction           string `json:"direction"`
	CounterpartyID      string `json:"counterpartyId,omitempty"`
	CounterpartyCountry string `json:"counterpartyCountry,omitempty"`
	Channel             string `json:"channel,omitempty"`
}

type monitorResponse struct {
	TransactionID string `json:"transactionId"`
	Stage         string `json:"stage"`
	Alert         *struct {
		ID   string `json:"id"`
		Band string `json:"band"`
	} `json:"alert"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed   int64
	TotalErrors      int64
	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - transaction replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n\n", *limit)

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	transactions, err := readCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n\n", len(transactions))

	start := time.Now()
	metrics := run(transactions, *baseURL, *workers, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCSV(path string, limit int) ([]LabelledTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"customer_id", "amount", "currency", "direction"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	get := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var transactions []LabelledTransaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		transactions = append(transactions, LabelledTransaction{
			CustomerID:          get(record, "customer_id"),
			Amount:              get(record, "amount"),
			Currency:            get(record, "currency"),
			Direction:           strings.ToUpper(get(record, "direction")),
			CounterpartyID:      get(record, "counterparty_id"),
			CounterpartyCountry: get(record, "counterparty_country"),
			Channel:             get(record, "channel"),
			IsSuspicious:        get(record, "is_suspicious") == "1",
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func run(transactions []LabelledTransaction, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan LabelledTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				resp, err := send(client, baseURL, tx)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.CustomerID, err)
					}
					continue
				}

				predicted := resp.Alert != nil
				actual := tx.IsSuspicious

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					verdict := "cleared"
					if predicted {
						verdict = "alerted (" + resp.Alert.Band + ")"
					}
					fmt.Printf("%-12s | %10s %s | suspicious=%-5v | %s\n",
						tx.CustomerID, tx.Amount, tx.Currency, actual, verdict)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return metrics
}

func send(client *http.Client, baseURL string, tx LabelledTransaction) (*monitorResponse, error) {
	body, err := json.Marshal(monitorRequest{
		CustomerID:          tx.CustomerID,
		Amount:              tx.Amount,
		Currency:            tx.Currency,
		Direction:           tx.Direction,
		CounterpartyID:      tx.CounterpartyID,
		CounterpartyCountry: tx.CounterpartyCountry,
		Channel:             tx.Channel,
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decision monitorResponse
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nResults")
	fmt.Println("-------")
	fmt.Printf("Processed:       %d in %s\n", m.TotalProcessed, duration.Round(time.Millisecond))
	fmt.Printf("Errors:          %d\n", m.TotalErrors)
	if m.TotalProcessed > 0 {
		fmt.Printf("Throughput:      %.1f tx/s\n", float64(m.TotalProcessed)/duration.Seconds())
		fmt.Printf("Avg latency:     %.1f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
	}

	fmt.Printf("\nTrue positives:  %d\n", m.TruePositives)
	fmt.Printf("False positives: %d\n", m.FalsePositives)
	fmt.Printf("True negatives:  %d\n", m.TrueNegatives)
	fmt.Printf("False negatives: %d\n", m.FalseNegatives)

	precision := safeDiv(float64(m.TruePositives), float64(m.TruePositives+m.FalsePositives))
	recall := safeDiv(float64(m.TruePositives), float64(m.TruePositives+m.FalseNegatives))
	f1 := safeDiv(2*precision*recall, precision+recall)

	fmt.Printf("\nPrecision:       %.3f\n", precision)
	fmt.Printf("Recall:          %.3f\n", recall)
	fmt.Printf("F1 score:        %.3f\n", f1)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
