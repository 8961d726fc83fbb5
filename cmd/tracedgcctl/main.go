// Command tracedgcctl is a diagnostic binary that drives a synthetic
// allocation workload against a tracedgc.Heap and prints a column
// summary of the collector's running totals, grounded on
// talyz-systemd_exporter/systemd/systemd.go's kingpin-flags shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/tracedgc/tracedgc"
)

var (
	objects  = kingpin.Flag("objects", "Total objects to allocate across the workload.").Default("200000").Int()
	typeSize = kingpin.Flag("type-size", "Length of the unrooted byte array allocated after each node (0 disables it).").Default("64").Int()
	workers  = kingpin.Flag("workers", "Concurrent goroutines driving allocation.").Default("4").Int()
	duration = kingpin.Flag("duration", "Stop the workload after this long even if --objects hasn't been reached.").Default("5s").Duration()
	listen   = kingpin.Flag("listen", "If set, serve /metrics on this address instead of exiting after the workload.").String()
	verbose  = kingpin.Flag("verbose", "Log every collector cycle instead of just the final summary.").Bool()
)

type node struct {
	payload [256]byte
	next    tracedgc.Tracked[node]
}

func main() {
	kingpin.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, "tracedgcctl: build logger:", err)
			os.Exit(1)
		}
		logger = l
	}

	metrics := tracedgc.NewMetrics()
	reg := prometheus.NewRegistry()
	if err := tracedgc.RegisterMetrics(reg, metrics); err != nil {
		fmt.Fprintln(os.Stderr, "tracedgcctl: register metrics:", err)
		os.Exit(1)
	}

	heap := tracedgc.NewHeap(
		tracedgc.WithLogger(logger),
		tracedgc.WithMetrics(metrics),
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = heap.Shutdown(ctx)
	}()

	if *listen != "" {
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*listen, nil); err != nil {
				fmt.Fprintln(os.Stderr, "tracedgcctl: serve /metrics:", err)
			}
		}()
	}

	runWorkload(heap, *objects, *workers, *duration)

	stats := heap.Stats()
	fmt.Printf("%-18s %12s\n", "METRIC", "VALUE")
	fmt.Printf("%-18s %12d\n", "live_objects", stats.LiveCount)
	fmt.Printf("%-18s %12d\n", "live_bytes", stats.LiveSize)
	fmt.Printf("%-18s %12d\n", "cycles_run", stats.Cycles)

	if *listen != "" {
		select {}
	}
}

// runWorkload builds a linked chain of *node values across *workers
// goroutines until either *objects has been allocated in total or
// duration elapses, exercising Make, Tracked.Store, MakeArray, and the
// GC's ability to keep each fully rooted chain alive while the
// unrooted padding arrays become garbage.
func runWorkload(heap *tracedgc.Heap, total, workerCount int, duration time.Duration) {
	perWorker := total / workerCount
	if perWorker == 0 {
		perWorker = 1
	}
	padding := *typeSize

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			head, err := tracedgc.Make[node](heap, nil)
			if err != nil {
				return
			}
			var root tracedgc.Tracked[node]
			root.Store(head)
			unregister := root.Root(heap)
			defer unregister()

			// head stays the root for this goroutine's whole chain;
			// every node appended below is reachable transitively
			// through head.next, head.next.next, and so on.
			cur := head
			for i := 0; i < perWorker; i++ {
				if time.Now().After(deadline) {
					return
				}
				next, err := tracedgc.Make[node](heap, nil)
				if err != nil {
					return
				}
				cur.next.Store(next)
				cur = next

				// Transient padding: never rooted, so it becomes
				// garbage the moment this iteration moves on,
				// exercising MakeArray alongside the mark/sweep path
				// Make above already drives.
				if padding > 0 {
					if _, err := tracedgc.MakeArray[byte](heap, padding); err != nil {
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
