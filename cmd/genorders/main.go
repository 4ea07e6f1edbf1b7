package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow/internal/model"
	"orderflow/internal/pipeline"
)

var (
	customers = []string{"Alice", "Bob", "Carol", "Dave", "Eve", ""}
	menu      = []string{"Burger", "Pizza", "Fries", "Sushi", "Salad", "Pasta", "Tea"}
)

func main() {
	var (
		count       int
		outputFile  string
		target      string
		concurrency int
		seed        int64
	)
	flag.IntVar(&count, "count", 100, "number of orders to generate")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "output file, empty to skip")
	flag.StringVar(&target, "post", "", "base URL to POST orders to, e.g. http://localhost:3000")
	flag.IntVar(&concurrency, "concurrency", 8, "parallel requests when posting")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	reqs := generateOrders(rand.New(rand.NewSource(seed)), count)
	if outputFile != "" {
		if err := writeOrders(outputFile, reqs); err != nil {
			log.Fatalf("write failed: %v", err)
		}
		log.Printf("generated %d orders to %s", count, outputFile)
	}
	if target != "" {
		ok, err := postOrders(context.Background(), http.DefaultClient, target, reqs, concurrency)
		if err != nil {
			log.Fatalf("post failed after %d orders: %v", ok, err)
		}
		log.Printf("posted %d orders to %s", ok, target)
	}
}

// generateOrders mixes single-item and multi-item requests.
func generateOrders(rng *rand.Rand, count int) []pipeline.Request {
	out := make([]pipeline.Request, 0, count)
	for i := 0; i < count; i++ {
		req := pipeline.Request{Customer: customers[rng.Intn(len(customers))]}
		if rng.Intn(3) == 0 {
			n := 1 + rng.Intn(3)
			for j := 0; j < n; j++ {
				req.Items = append(req.Items, model.LineItem{
					Name:     menu[rng.Intn(len(menu))],
					Quantity: int64(1 + rng.Intn(5)),
				})
			}
		} else {
			q := int64(1 + rng.Intn(5))
			req.Item = menu[rng.Intn(len(menu))]
			req.Quantity = &q
		}
		out = append(out, req)
	}
	return out
}

func writeOrders(path string, reqs []pipeline.Request) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	for i := range reqs {
		if err := enc.Encode(&reqs[i]); err != nil {
			return fmt.Errorf("encode order %d: %w", i+1, err)
		}
	}
	return file.Sync()
}

// postOrders sends every request to <base>/order and returns how many were accepted.
func postOrders(ctx context.Context, client *http.Client, base string, reqs []pipeline.Request, concurrency int) (int, error) {
	url := strings.TrimRight(base, "/") + "/order"
	var ok atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(concurrency, 1))
	for i := range reqs {
		body, err := json.Marshal(reqs[i])
		if err != nil {
			return int(ok.Load()), err
		}
		eg.Go(func() error {
			hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			hreq.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(hreq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return fmt.Errorf("order %d: %s: %s", i+1, resp.Status, bytes.TrimSpace(msg))
			}
			ok.Add(1)
			return nil
		})
	}
	err := eg.Wait()
	return int(ok.Load()), err
}
