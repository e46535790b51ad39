package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	for _, addr := range []string{"10.0.0.2:20200", "10.0.0.1:20200"} {
		if err := reg.Register(ctx, NodeInstance{Addr: addr, Group: "1", Weight: 1}, 10); err != nil {
			t.Fatal(err)
		}
	}
	instances, _ := reg.Discover(ctx, "1")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}
	if instances[0].Addr != "10.0.0.1:20200" {
		t.Fatalf("expect instances sorted by addr, got %v", instances)
	}

	if err := reg.Deregister(ctx, "1", "10.0.0.1:20200"); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover(ctx, "1")
	if len(instances) != 1 || instances[0].Addr != "10.0.0.2:20200" {
		t.Fatalf("unexpected instances after deregister: %v", instances)
	}

	if other, _ := reg.Discover(ctx, "2"); len(other) != 0 {
		t.Fatalf("expect empty group, got %v", other)
	}
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	ch := reg.Watch(ctx, "1")

	reg.Register(ctx, NodeInstance{Addr: "a:1", Group: "1"}, 10)
	reg.Register(ctx, NodeInstance{Addr: "b:1", Group: "1"}, 10)

	select {
	case list := <-ch:
		// Only the newest snapshot is kept.
		if len(list) != 2 {
			t.Fatalf("expect latest snapshot with 2 instances, got %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expect closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
