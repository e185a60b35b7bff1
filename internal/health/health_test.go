package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_MixedResults(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("gateway", func(context.Context) error { return errors.New("connection refused") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a failing checker should make the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy {
		t.Fatalf("expected healthy database first, got %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Fatalf("expected failing gateway with detail, got %+v", statuses[1])
	}
}

func TestRegister_ReplacesSameName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return errors.New("down") })
	r.Register("database", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("expected a single status, got %d", len(statuses))
	}
}

func TestRegistryConcurrency(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
