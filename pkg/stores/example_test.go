package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/stackforge/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_ListCompilations demonstrates reading compile history.
func ExampleSQLiteStore_ListCompilations() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	_ = store.CreateCompilation(ctx, &stores.Compilation{
		ID:        "c-001",
		URL:       "deploy/shop.yaml",
		Target:    "k8s",
		Command:   "translate",
		Status:    stores.CompilationStatusRunning,
		StartedAt: time.Now(),
	})
	_ = store.FinishCompilation(ctx, "c-001", stores.CompilationStatusSucceeded, 7, nil, nil)

	history, err := store.ListCompilations(ctx, 10, 0)
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range history {
		fmt.Printf("%s %s %s: %s (%d artifacts)\n", c.ID, c.Command, c.URL, c.Status, c.ArtifactCount)
	}
	// Output: c-001 translate deploy/shop.yaml: succeeded (7 artifacts)
}
