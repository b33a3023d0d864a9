package im

import (
	"context"
	"testing"
	"time"

	"github.com/shopmesh/shopmesh"
)

func TestPresenceLeaseExpires(t *testing.T) {
	ctx := context.Background()
	frozen := time.Now()
	shopmesh.Now = func() time.Time { return frozen }
	defer func() { shopmesh.Now = time.Now }()

	reg := newMockRegistry()
	if err := reg.Register(ctx, Binding{UserID: "a", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	bindings, err := reg.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 1 || bindings[0].GatewayID != "gw1" {
		t.Fatalf("got bindings %+v, want the registered one", bindings)
	}

	// Silence past the TTL lets the lease expire; lookup then reports offline.
	frozen = frozen.Add(91 * time.Second)
	bindings, err = reg.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 0 {
		t.Fatalf("got %d bindings after TTL silence, want 0", len(bindings))
	}
	// Renewing an expired lease is rejected; the client must re-register.
	if err := reg.Renew(ctx, "a", "d1"); shopmesh.CodeOf(err) != shopmesh.NotFound {
		t.Fatalf("got %v renewing an expired lease, want a NotFound error", err)
	}
}

func TestPresenceRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	frozen := time.Now()
	shopmesh.Now = func() time.Time { return frozen }
	defer func() { shopmesh.Now = time.Now }()

	reg := newMockRegistry()
	if err := reg.Register(ctx, Binding{UserID: "a", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	// Renew on the TTL/3 cadence across several periods.
	for i := 0; i < 6; i++ {
		frozen = frozen.Add(30 * time.Second)
		if err := reg.Renew(ctx, "a", "d1"); err != nil {
			t.Fatalf("renew %d failed: %v", i, err)
		}
	}
	bindings, err := reg.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 1 {
		t.Fatalf("got %d bindings after steady renewal, want 1", len(bindings))
	}
}

func TestPresenceDeregister(t *testing.T) {
	ctx := context.Background()
	reg := newMockRegistry()
	if err := reg.Register(ctx, Binding{UserID: "a", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	if err := reg.Register(ctx, Binding{UserID: "a", DeviceID: "d2", GatewayID: "gw2"}); err != nil {
		t.Fatal(err.Error())
	}
	if err := reg.Deregister(ctx, "a", "d1"); err != nil {
		t.Fatal(err.Error())
	}
	bindings, err := reg.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 1 || bindings[0].DeviceID != "d2" {
		t.Fatalf("got bindings %+v, want only d2", bindings)
	}
}

func TestCachedRegistryInvalidatesOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := newMockRegistry()
	cached, err := NewCachedRegistry(ctx, inner, DefaultConfig())
	if err != nil {
		t.Fatal(err.Error())
	}

	// Empty result is cached too.
	bindings, err := cached.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 0 {
		t.Fatalf("got %d bindings, want 0", len(bindings))
	}

	// A register through the cached registry invalidates synchronously.
	if err := cached.Register(ctx, Binding{UserID: "a", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	bindings, err = cached.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 1 {
		t.Fatalf("got %d bindings after register, want 1", len(bindings))
	}

	if err := cached.Deregister(ctx, "a", "d1"); err != nil {
		t.Fatal(err.Error())
	}
	bindings, err = cached.Lookup(ctx, "a")
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(bindings) != 0 {
		t.Fatalf("got %d bindings after deregister, want 0", len(bindings))
	}
}
