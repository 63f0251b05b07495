package coyote

import (
	"context"
	"testing"
)

func populatedCache() (*CharacteristicCache, *fakeService) {
	svc := &fakeService{uuid: PulseServiceUUID, chars: []*fakeChar{
		{uuid: WriteCharUUID, props: PropWrite},
		{uuid: NotifyCharUUID, props: PropNotify},
	}}
	cache := NewCharacteristicCache()
	cache.Populate([]Service{svc})
	return cache, svc
}

func TestResolveMemoizesDiscovery(t *testing.T) {
	cache, svc := populatedCache()
	ctx := context.Background()

	first, err := cache.Resolve(ctx, PulseServiceUUID, WriteCharUUID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// the sibling rides along on the same discovery pass
	second, err := cache.Resolve(ctx, PulseServiceUUID, NotifyCharUUID)
	if err != nil {
		t.Fatalf("Resolve sibling: %v", err)
	}
	if first == nil || second == nil {
		t.Fatal("nil handle resolved")
	}
	if got := svc.discoverCount(); got != 1 {
		t.Fatalf("characteristic discoveries = %d, want 1", got)
	}

	again, err := cache.Resolve(ctx, PulseServiceUUID, WriteCharUUID)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if again != first {
		t.Fatal("memoized handle differs")
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	cache, _ := populatedCache()

	upper := "0000150A-0000-1000-8000-00805F9B34FB"
	if _, err := cache.Resolve(context.Background(), PulseServiceUUID, upper); err != nil {
		t.Fatalf("Resolve upper-case UUID: %v", err)
	}
}

func TestResolveUnknownService(t *testing.T) {
	cache, _ := populatedCache()

	_, err := cache.Resolve(context.Background(), BatteryServiceUUID, BatteryCharUUID)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestResolveUnknownCharacteristic(t *testing.T) {
	cache, svc := populatedCache()

	_, err := cache.Resolve(context.Background(), PulseServiceUUID, BatteryCharUUID)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	// the failed lookup still caches the siblings it discovered
	if _, err := cache.Resolve(context.Background(), PulseServiceUUID, WriteCharUUID); err != nil {
		t.Fatalf("Resolve sibling after miss: %v", err)
	}
	if got := svc.discoverCount(); got != 1 {
		t.Fatalf("characteristic discoveries = %d, want 1", got)
	}
}

func TestInvalidateAllDropsEveryHandle(t *testing.T) {
	cache, _ := populatedCache()

	if _, err := cache.Resolve(context.Background(), PulseServiceUUID, WriteCharUUID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cache.Len() == 0 {
		t.Fatal("cache empty before invalidation")
	}

	cache.InvalidateAll()

	if got := cache.Len(); got != 0 {
		t.Fatalf("cache holds %d handles after invalidation, want 0", got)
	}
	_, err := cache.Resolve(context.Background(), PulseServiceUUID, WriteCharUUID)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}
