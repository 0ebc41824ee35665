package vaultd

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd/pkg/cachestore"
)

// DerivationCache layers an in-memory map over the persistent store so a
// repeated lookup never touches the device or the database twice in one
// process lifetime.
type DerivationCache struct {
	mu    sync.RWMutex
	mem   map[cachestore.Key]cachestore.Value
	store *cachestore.Store
}

func NewDerivationCache(store *cachestore.Store) *DerivationCache {
	return &DerivationCache{
		mem:   make(map[cachestore.Key]cachestore.Value),
		store: store,
	}
}

// Lookup checks memory first, then the store. A store hit is promoted into
// memory.
func (c *DerivationCache) Lookup(ctx context.Context, key cachestore.Key) (cachestore.Value, bool) {
	c.mu.RLock()
	val, ok := c.mem[key]
	c.mu.RUnlock()
	if ok {
		return val, true
	}
	if c.store == nil {
		return cachestore.Value{}, false
	}
	val, ok, err := c.store.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("path", key.Path).Msg("cache store lookup failed")
		return cachestore.Value{}, false
	}
	if !ok {
		return cachestore.Value{}, false
	}
	c.mu.Lock()
	c.mem[key] = val
	c.mu.Unlock()
	return val, true
}

// Remember stores a device-confirmed result. Empty values are dropped so a
// failed or blank derivation can never mask a later successful one.
func (c *DerivationCache) Remember(ctx context.Context, key cachestore.Key, val cachestore.Value) {
	if val.Address == "" && val.Xpub == "" {
		return
	}
	c.mu.Lock()
	c.mem[key] = val
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, key, val); err != nil {
		log.Warn().Err(err).Str("path", key.Path).Msg("cache store write failed")
	}
}

// Clear drops every entry for one device from memory and the store.
func (c *DerivationCache) Clear(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	for key := range c.mem {
		if key.DeviceID == deviceID {
			delete(c.mem, key)
		}
	}
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.ClearDevice(ctx, deviceID)
}

// Status reports the persisted population for one device.
func (c *DerivationCache) Status(ctx context.Context, deviceID string) (cachestore.Status, error) {
	if c.store == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		status := cachestore.Status{DeviceID: deviceID}
		for key, val := range c.mem {
			if key.DeviceID != deviceID {
				continue
			}
			status.Entries++
			if val.Address != "" {
				status.Addresses++
			}
			if val.Xpub != "" {
				status.Xpubs++
			}
		}
		return status, nil
	}
	return c.store.DeviceStatus(ctx, deviceID)
}

// FrontloadPath is one derivation scheduled by the frontloader.
type FrontloadPath struct {
	Network    Network
	Path       string
	Coin       string
	ScriptType string
	WantXpub   bool
}

// standardFrontloadPaths covers the first accounts of the common coins so
// later address requests are answered from cache.
func standardFrontloadPaths() []FrontloadPath {
	paths := []FrontloadPath{
		{Network: NetworkEthereum, Path: "m/44'/60'/0'/0/0", Coin: "Ethereum"},
		{Network: NetworkCosmos, Path: "m/44'/118'/0'/0/0", Coin: "Cosmos"},
		{Network: NetworkThorchain, Path: "m/44'/931'/0'/0/0", Coin: "THORChain"},
		{Network: NetworkXRP, Path: "m/44'/144'/0'/0/0", Coin: "Ripple"},
	}
	for account := 0; account < 2; account++ {
		for _, purpose := range []struct {
			purpose    string
			scriptType string
		}{
			{"44", ScriptTypeP2PKH},
			{"49", ScriptTypeP2SHP2WPKH},
			{"84", ScriptTypeP2WPKH},
		} {
			account := strconv.Itoa(account)
			paths = append(paths, FrontloadPath{
				Network:    NetworkUTXO,
				Path:       "m/" + purpose.purpose + "'/0'/" + account + "'",
				Coin:       "Bitcoin",
				ScriptType: purpose.scriptType,
				WantXpub:   true,
			})
			paths = append(paths, FrontloadPath{
				Network:    NetworkUTXO,
				Path:       "m/" + purpose.purpose + "'/0'/" + account + "'/0/0",
				Coin:       "Bitcoin",
				ScriptType: purpose.scriptType,
			})
		}
	}
	return paths
}
