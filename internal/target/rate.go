// Package target resolves ideal production rates and configured
// performance targets.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/savegress/oeesense/internal/logging"
	"github.com/savegress/oeesense/internal/storage"
	"github.com/savegress/oeesense/pkg/models"
)

// RateStore is the data the rate resolver reads
type RateStore interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	GetMachineProductRate(ctx context.Context, machineID, productID string) (float64, bool, error)
	AverageDefaultIdealRate(ctx context.Context, organizationID string) (float64, bool, error)
}

// RateCache memoises resolved rates for the lifetime of one request.
// It is safe for concurrent use by the request's workers.
type RateCache struct {
	mu    sync.Mutex
	rates map[string]float64
}

// NewRateCache creates an empty cache
func NewRateCache() *RateCache {
	return &RateCache{rates: make(map[string]float64)}
}

func (c *RateCache) get(key string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, ok := c.rates[key]
	return rate, ok
}

func (c *RateCache) put(key string, rate float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rates[key] = rate
	c.mu.Unlock()
}

// RateResolver finds the ideal rate (units/hour) of a machine and product
type RateResolver struct {
	store    RateStore
	fallback float64
	logger   *zap.Logger
}

// NewRateResolver creates a resolver. fallback is used for
// organization-wide aggregation when no machine has a default rate.
func NewRateResolver(store RateStore, fallback float64, logger *zap.Logger) *RateResolver {
	return &RateResolver{store: store, fallback: fallback, logger: logging.OrNop(logger)}
}

// ResolveIdealRate returns the product rate configured for the machine,
// else the machine default. An unknown rate resolves to 0 with a warning;
// callers then report zero standard time instead of failing.
func (r *RateResolver) ResolveIdealRate(ctx context.Context, cache *RateCache, machineID, productID string) (float64, error) {
	key := "m:" + machineID + ":" + productID
	if rate, ok := cache.get(key); ok {
		return rate, nil
	}

	if productID != "" {
		rate, ok, err := r.store.GetMachineProductRate(ctx, machineID, productID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve product rate: %w", err)
		}
		if ok && rate > 0 {
			cache.put(key, rate)
			return rate, nil
		}
	}

	machine, err := r.store.GetMachine(ctx, machineID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("failed to resolve machine rate: %w", err)
	}

	var rate float64
	if machine != nil && machine.DefaultIdealRate > 0 {
		rate = machine.DefaultIdealRate
	} else {
		r.logger.Warn("ideal rate missing",
			zap.String("machine_id", machineID),
			zap.String("product_id", productID),
		)
	}
	cache.put(key, rate)
	return rate, nil
}

// OrganizationRate is used when no single machine applies: the average
// default rate across the organization, else the configured fallback.
func (r *RateResolver) OrganizationRate(ctx context.Context, cache *RateCache, organizationID string) (float64, error) {
	key := "org:" + organizationID
	if rate, ok := cache.get(key); ok {
		return rate, nil
	}

	rate, ok, err := r.store.AverageDefaultIdealRate(ctx, organizationID)
	if err != nil {
		return 0, fmt.Errorf("failed to average ideal rates: %w", err)
	}
	if !ok || rate <= 0 {
		r.logger.Debug("using fallback ideal rate",
			zap.String("organization_id", organizationID),
			zap.Float64("rate", r.fallback),
		)
		rate = r.fallback
	}
	cache.put(key, rate)
	return rate, nil
}
