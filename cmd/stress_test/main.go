// Command stress_test fires concurrent single-unit purchases at one product
// and checks that the engine never sells more than the stock it started with.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/purchase-engine/internal/app"
	"github.com/rl1809/purchase-engine/internal/config"
	"github.com/rl1809/purchase-engine/internal/core/domain"
	"github.com/rl1809/purchase-engine/internal/logger"
)

func main() {
	initialStock := flag.Int("stock", 20, "units of the product seeded before the run")
	totalRequests := flag.Int("requests", 50, "concurrent purchase requests")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	itemID := "stress-" + uuid.NewString()[:8]
	cfg.Server.GRPC.Enabled = false
	cfg.Seed.Products = []config.SeedProduct{{ID: itemID, Name: "Stress item", Price: "1.00", Quantity: *initialStock}}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger.New(os.Stderr, "warn"))
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer a.Close()
	svc := a.Service()

	var (
		wg           sync.WaitGroup
		successCount atomic.Int32
		soldOutCount atomic.Int32
		otherCount   atomic.Int32
	)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			_, err := svc.CreatePurchase(ctx, fmt.Sprintf("user-%d", userID), itemID, 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("user-%d: %v", userID, err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	remaining, err := svc.AvailableStock(ctx, itemID)
	if err != nil {
		log.Fatalf("failed to read remaining stock: %v", err)
	}
	purchases, err := svc.ListPurchases(ctx)
	if err != nil {
		log.Fatalf("failed to list purchases: %v", err)
	}
	recorded := 0
	for _, p := range purchases {
		if p.ProductID == itemID {
			recorded++
		}
	}

	fmt.Println("=== Stress Test Results ===")
	fmt.Printf("Backend:          %s\n", cfg.Database.Driver)
	fmt.Printf("Total requests:   %d\n", *totalRequests)
	fmt.Printf("Initial stock:    %d\n", *initialStock)
	fmt.Printf("Successful:       %d\n", successCount.Load())
	fmt.Printf("Sold out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other failures:   %d\n", otherCount.Load())
	fmt.Printf("Remaining stock:  %d\n", remaining)
	fmt.Printf("Recorded:         %d\n", recorded)
	fmt.Printf("Elapsed:          %v\n", elapsed)

	sold := int(successCount.Load())
	if sold > *initialStock || recorded != sold || remaining != *initialStock-sold {
		fmt.Println("FAIL: stock and purchases are inconsistent")
		os.Exit(1)
	}
	fmt.Println("PASS: no overselling, stock matches purchases")
}
