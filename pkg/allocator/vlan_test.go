package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/metalnet/pkg/util"
)

func newTestPool(t *testing.T, vlans ...int) *VLANPool {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	p := NewVLANPool(client, vlans)
	if err := p.Populate(context.Background()); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	return p
}

func TestVLANPool_Exhaustion(t *testing.T) {
	p := newTestPool(t, 1, 2, 3)
	ctx := context.Background()

	for _, want := range []string{"1", "2", "3"} {
		got, err := p.GetNewNetworkID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("GetNewNetworkID() = %q, want %q", got, want)
		}
	}

	got, err := p.GetNewNetworkID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("exhausted pool returned %q", got)
	}

	if err := p.FreeNetworkID(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	got, _ = p.GetNewNetworkID(ctx)
	if got != "2" {
		t.Errorf("after freeing 2, GetNewNetworkID() = %q", got)
	}
}

func TestVLANPool_ClaimFreeRoundTrip(t *testing.T) {
	p := newTestPool(t, 100)
	ctx := context.Background()

	if err := p.ClaimNetworkID(ctx, "100"); err != nil {
		t.Fatalf("ClaimNetworkID() error = %v", err)
	}
	if got, _ := p.GetNewNetworkID(ctx); got != "" {
		t.Fatalf("claimed id handed out again: %q", got)
	}
	if err := p.ClaimNetworkID(ctx, "100"); !errors.Is(err, util.ErrAllocation) {
		t.Fatalf("second claim: got %v, want ErrAllocation", err)
	}

	if err := p.FreeNetworkID(ctx, "100"); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.GetNewNetworkID(ctx); got != "100" {
		t.Errorf("GetNewNetworkID() = %q, want 100", got)
	}
}

func TestVLANPool_ExternalIDs(t *testing.T) {
	p := newTestPool(t, 100, 101)
	ctx := context.Background()

	in, err := p.IsNetworkIDInPool(ctx, "3000")
	if err != nil || in {
		t.Fatalf("IsNetworkIDInPool(3000) = %v, %v", in, err)
	}
	if err := p.ClaimNetworkID(ctx, "3000"); err != nil {
		t.Fatal(err)
	}
	if err := p.ClaimNetworkID(ctx, "3000"); !errors.Is(err, util.ErrAllocation) {
		t.Errorf("external id claimed twice: %v", err)
	}

	// Freeing an external id releases the claim but never adds it to the pool.
	if err := p.FreeNetworkID(ctx, "3000"); err != nil {
		t.Fatal(err)
	}
	free, total, err := p.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if free != 2 || total != 2 {
		t.Errorf("Stats() = %d free / %d total, want 2/2", free, total)
	}
	if err := p.ClaimNetworkID(ctx, "3000"); err != nil {
		t.Errorf("reclaiming a freed external id: %v", err)
	}
}

func TestVLANPool_FreeUnknownIsNoop(t *testing.T) {
	p := newTestPool(t, 10)
	ctx := context.Background()

	for _, id := range []string{"10", "11", "garbage", ""} {
		if err := p.FreeNetworkID(ctx, id); err != nil {
			t.Errorf("FreeNetworkID(%q) error = %v", id, err)
		}
	}
	free, _, _ := p.Stats(ctx)
	if free != 1 {
		t.Errorf("free = %d, want 1", free)
	}
}

func TestVLANPool_PopulateIdempotent(t *testing.T) {
	p := newTestPool(t, 5, 6, 7)
	ctx := context.Background()

	if got, _ := p.GetNewNetworkID(ctx); got != "5" {
		t.Fatalf("GetNewNetworkID() = %q", got)
	}
	if err := p.Populate(ctx); err != nil {
		t.Fatal(err)
	}
	free, total, _ := p.Stats(ctx)
	if free != 2 || total != 3 {
		t.Errorf("after repopulate: %d free / %d total, want 2/3", free, total)
	}
	if got, _ := p.GetNewNetworkID(ctx); got != "6" {
		t.Errorf("claimed VLAN 5 was returned to the pool, got %q", got)
	}
}

func TestVLANPool_ValidateNetworkID(t *testing.T) {
	p := NewVLANPool(nil, nil)
	tests := []struct {
		id   string
		want bool
	}{
		{"1", true},
		{"4094", true},
		{"0", false},
		{"4095", false},
		{"0100", false},
		{"-5", false},
		{"vlan", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.ValidateNetworkID(tt.id); got != tt.want {
			t.Errorf("ValidateNetworkID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestVLANPool_Channels(t *testing.T) {
	p := NewVLANPool(nil, nil)

	legal, err := p.LegalChannelsFor("102")
	if err != nil {
		t.Fatal(err)
	}
	if len(legal) != 2 || legal[0] != "vlan/native" || legal[1] != "vlan/102" {
		t.Errorf("LegalChannelsFor(102) = %v", legal)
	}
	if _, err := p.LegalChannelsFor("nope"); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("LegalChannelsFor(nope) error = %v", err)
	}

	tests := []struct {
		channel string
		want    bool
	}{
		{"vlan/native", true},
		{"vlan/102", true},
		{"vlan/103", false},
		{"vlan/trunk", false},
	}
	for _, tt := range tests {
		if got := p.IsLegalChannelFor(tt.channel, "102"); got != tt.want {
			t.Errorf("IsLegalChannelFor(%q, 102) = %v", tt.channel, got)
		}
	}
	if p.DefaultChannel() != "vlan/native" {
		t.Errorf("DefaultChannel() = %q", p.DefaultChannel())
	}
}

func TestVLANPool_ConcurrentAllocation(t *testing.T) {
	p := newTestPool(t, 200, 201, 202, 203, 204, 205, 206, 207)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := p.GetNewNetworkID(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if seen[""] != 8 {
		t.Errorf("%d callers saw an exhausted pool, want 8", seen[""])
	}
	for id, n := range seen {
		if id != "" && n != 1 {
			t.Errorf("VLAN %s handed out %d times", id, n)
		}
	}
}

func TestNewVLANPoolFromSpec(t *testing.T) {
	if _, err := NewVLANPoolFromSpec(nil, "100-98"); err == nil {
		t.Error("expected error for inverted range")
	}
	p, err := NewVLANPoolFromSpec(nil, "100-102,300")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.vlans) != 4 {
		t.Errorf("vlans = %v", p.vlans)
	}
}
