package coyote

import (
	"context"
	"sync"
)

type charKey struct {
	service string
	char    string
}

// CharacteristicCache memoizes resolved GATT handles for one connection
// generation. Handles go stale the moment the link drops, so InvalidateAll
// runs synchronously on every Connected -> Disconnecting/Disconnected
// transition, before any handle can be returned to a caller.
type CharacteristicCache struct {
	mu       sync.RWMutex
	services map[string]Service
	chars    map[charKey]Characteristic
}

func NewCharacteristicCache() *CharacteristicCache {
	return &CharacteristicCache{
		services: make(map[string]Service),
		chars:    make(map[charKey]Characteristic),
	}
}

// Populate stores the services discovered for the current connection.
func (c *CharacteristicCache) Populate(services []Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, svc := range services {
		c.services[normalizeUUID(svc.UUID())] = svc
	}
}

// Resolve returns the handle for (serviceUUID, charUUID), discovering the
// service's characteristics on first use and memoizing the result.
func (c *CharacteristicCache) Resolve(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error) {
	key := charKey{normalizeUUID(serviceUUID), normalizeUUID(charUUID)}

	c.mu.RLock()
	if char, ok := c.chars[key]; ok {
		c.mu.RUnlock()
		return char, nil
	}
	svc, ok := c.services[key.service]
	c.mu.RUnlock()

	if !ok {
		return nil, newError(KindNotFound, "resolve", "service %s not cached", serviceUUID)
	}

	chars, err := svc.DiscoverCharacteristics(ctx)
	if err != nil {
		return nil, wrapError(KindTransient, "resolve", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var found Characteristic
	for _, char := range chars {
		k := charKey{key.service, normalizeUUID(char.UUID())}
		c.chars[k] = char
		if k == key {
			found = char
		}
	}
	if found == nil {
		return nil, newError(KindNotFound, "resolve", "characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return found, nil
}

// InvalidateAll drops every cached handle. Called on disconnect and on failed
// reconnects; a surviving handle would reference a dead platform object.
func (c *CharacteristicCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]Service)
	c.chars = make(map[charKey]Characteristic)
}

// Len reports how many handles (services plus characteristics) are cached.
func (c *CharacteristicCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services) + len(c.chars)
}
