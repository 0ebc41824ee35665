package vaultd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/keepwallet/vaultd/pkg/cachestore"
)

func openTestStore(t *testing.T) *cachestore.Store {
	t.Helper()
	store, err := cachestore.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDerivationCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	key := cachestore.Key{DeviceID: "dev1", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin", ScriptType: ScriptTypeP2PKH}
	if err := store.Put(ctx, key, cachestore.Value{Address: "1addr"}); err != nil {
		t.Fatal(err)
	}

	// A fresh cache over the same store serves the persisted entry and
	// promotes it into memory.
	cache := NewDerivationCache(store)
	val, ok := cache.Lookup(ctx, key)
	if !ok || val.Address != "1addr" {
		t.Fatalf("lookup = %+v, %v", val, ok)
	}

	// Wipe the store behind the cache's back; the promoted copy still hits.
	if err := store.ClearDevice(ctx, "dev1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Lookup(ctx, key); !ok {
		t.Fatal("promoted entry must be served from memory")
	}
}

func TestDerivationCacheRememberPersists(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cache := NewDerivationCache(store)
	key := cachestore.Key{DeviceID: "dev1", Path: "m/44'/60'/0'/0/0", Coin: "Ethereum"}
	cache.Remember(ctx, key, cachestore.Value{Address: "0xabc"})

	val, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || val.Address != "0xabc" {
		t.Fatalf("store value = %+v, %v", val, ok)
	}
}

func TestDerivationCacheDropsEmptyValues(t *testing.T) {
	ctx := context.Background()
	cache := NewDerivationCache(nil)
	key := cachestore.Key{DeviceID: "dev1", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin"}
	cache.Remember(ctx, key, cachestore.Value{})
	if _, ok := cache.Lookup(ctx, key); ok {
		t.Fatal("empty value must not be cached")
	}
}

func TestDerivationCacheClearIsPerDevice(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	cache := NewDerivationCache(store)
	kept := cachestore.Key{DeviceID: "dev2", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin"}
	cleared := cachestore.Key{DeviceID: "dev1", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin"}
	cache.Remember(ctx, kept, cachestore.Value{Address: "keep"})
	cache.Remember(ctx, cleared, cachestore.Value{Address: "drop"})

	if err := cache.Clear(ctx, "dev1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.Lookup(ctx, cleared); ok {
		t.Fatal("cleared device entry survived")
	}
	if _, ok := cache.Lookup(ctx, kept); !ok {
		t.Fatal("other device's entry must survive a clear")
	}
}

func TestDerivationCacheStatusWithoutStore(t *testing.T) {
	ctx := context.Background()
	cache := NewDerivationCache(nil)
	cache.Remember(ctx, cachestore.Key{DeviceID: "dev1", Path: "m/44'/0'/0'", Coin: "Bitcoin"}, cachestore.Value{Xpub: "xpub1"})
	cache.Remember(ctx, cachestore.Key{DeviceID: "dev1", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin"}, cachestore.Value{Address: "1addr"})
	cache.Remember(ctx, cachestore.Key{DeviceID: "dev2", Path: "m/44'/0'/0'/0/0", Coin: "Bitcoin"}, cachestore.Value{Address: "other"})

	status, err := cache.Status(ctx, "dev1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Entries != 2 || status.Addresses != 1 || status.Xpubs != 1 {
		t.Fatalf("status = %+v", status)
	}
}

func TestStandardFrontloadPathsShape(t *testing.T) {
	paths := standardFrontloadPaths()
	var xpubs, addrs int
	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p.Path+"/"+p.ScriptType] {
			t.Fatalf("duplicate frontload path %q %q", p.Path, p.ScriptType)
		}
		seen[p.Path+"/"+p.ScriptType] = true
		if _, err := ParseDerivationPath(p.Path); err != nil {
			t.Fatalf("frontload path %q does not parse: %v", p.Path, err)
		}
		if p.WantXpub {
			xpubs++
		} else {
			addrs++
		}
		if p.Network == NetworkUTXO && p.ScriptType == "" {
			t.Fatalf("utxo path %q missing script type", p.Path)
		}
	}
	// 3 purposes x 2 accounts, one xpub and one address each, plus the
	// non-utxo first addresses.
	if xpubs != 6 {
		t.Fatalf("xpub paths = %d", xpubs)
	}
	if addrs != 10 {
		t.Fatalf("address paths = %d", addrs)
	}
}
