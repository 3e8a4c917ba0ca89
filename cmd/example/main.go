// Minimal usage example for nendb-go: open a store, insert a few nodes and
// edges, print stats, snapshot, close.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/nen-co/nendb-go/api"
)

func main() {
	dir, err := os.MkdirTemp("", "nendb-example-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := api.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== nendb-go example ===")

	for i := uint64(1); i <= 5; i++ {
		props := make([]byte, 128)
		copy(props, fmt.Sprintf("node-%d", i))
		if err := db.InsertNode(i, 1, props); err != nil {
			log.Fatalf("insert node %d: %v", i, err)
		}
	}

	for i := uint64(1); i < 5; i++ {
		props := make([]byte, 64)
		copy(props, "edge")
		if err := db.InsertEdge(i, i+1, 1, props); err != nil {
			log.Fatalf("insert edge %d->%d: %v", i, i+1, err)
		}
	}

	if slot, ok := db.LookupNode(3); ok {
		fmt.Printf("node 3 is at slot %d\n", slot)
	}

	stats := db.GetStats()
	fmt.Printf("nodes: %d/%d  edges: %d/%d  wal entries written: %d\n",
		stats.Pools.NodeCount, stats.Pools.NodeCapacity,
		stats.Pools.EdgeCount, stats.Pools.EdgeCapacity,
		stats.WAL.EntriesWritten)

	if err := db.Snapshot(); err != nil {
		log.Fatalf("snapshot: %v", err)
	}
	fmt.Println("snapshot written")
}
