package discovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/config"
	"github.com/ontology-platform/request-control/infrastructure/kvstore"
	"github.com/ontology-platform/request-control/infrastructure/logging"
)

// Registry is the shared-store-backed service index: an "index set" of
// instance IDs per service (spec.md §4.5's registry invariant), plus one
// detail entry per instance with TTL equal to its registration TTL.
// Missed heartbeats let a detail entry expire naturally; a periodic
// reconciliation pass drops index entries whose detail has vanished.
type Registry struct {
	store kvstore.Store
	log   *logging.Logger
	cfg   Config
}

// NewRegistry builds a Registry over store using cfg as the default TTL
// source for registrations that don't specify one.
func NewRegistry(store kvstore.Store, log *logging.Logger, cfg Config) *Registry {
	return &Registry{store: store, log: log, cfg: cfg}
}

func instanceKey(service, id string) string {
	return fmt.Sprintf("discovery:instance:%s:%s", service, id)
}

func registrySetKey(service string) string {
	return "discovery:registry:" + service
}

func servicesIndexKey() string {
	return "discovery:services"
}

// Register creates a new instance in StatusHealthy and indexes it.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Instance, error) {
	id := reg.Name + "-" + randomSuffix()
	inst := reg.toInstance(id)
	inst.Status = StatusHealthy

	ttl := reg.TTL
	if ttl <= 0 {
		ttl = r.cfg.DefaultTTL
	}

	if err := r.save(ctx, inst, ttl); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, registrySetKey(reg.Name), id); err != nil {
		return nil, err
	}
	_ = r.store.Expire(ctx, registrySetKey(reg.Name), ttl*2)
	if err := r.store.SAdd(ctx, servicesIndexKey(), reg.Name); err != nil {
		return nil, err
	}

	if r.log != nil {
		r.log.WithFields(map[string]any{"service": reg.Name, "instance_id": id}).Info("registered service instance")
	}
	return inst, nil
}

// Deregister removes an instance's detail entry and index membership.
func (r *Registry) Deregister(ctx context.Context, service, id string) error {
	if err := r.store.Delete(ctx, instanceKey(service, id)); err != nil {
		return err
	}
	return r.store.SRem(ctx, registrySetKey(service), id)
}

func (r *Registry) save(ctx context.Context, inst *Instance, ttl time.Duration) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, instanceKey(inst.Name, inst.ID), data, ttl)
}

// Get fetches a single instance, or kvstore.ErrNotFound if its detail
// entry has expired.
func (r *Registry) Get(ctx context.Context, service, id string) (*Instance, error) {
	data, err := r.store.Get(ctx, instanceKey(service, id))
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Instances returns every live instance of service; IDs whose detail
// entry has already expired are silently skipped (natural expiry).
func (r *Registry) Instances(ctx context.Context, service string) ([]*Instance, error) {
	ids, err := r.store.SMembers(ctx, registrySetKey(service))
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := r.Get(ctx, service, id)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Heartbeat refreshes an instance's TTL and last-heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, service, id string) error {
	inst, err := r.Get(ctx, service, id)
	if err != nil {
		return err
	}
	inst.LastHeartbeat = nowFunc()
	return r.save(ctx, inst, r.cfg.DefaultTTL)
}

// UpdateStatus sets an instance's health status, as driven by the active
// prober's hysteresis.
func (r *Registry) UpdateStatus(ctx context.Context, service, id string, status Status) error {
	inst, err := r.Get(ctx, service, id)
	if err != nil {
		return err
	}
	inst.Status = status
	return r.save(ctx, inst, r.cfg.DefaultTTL)
}

// UpdateMetrics records the connection count and response time an
// instance observed, for least_connections / least_response_time
// selection.
func (r *Registry) UpdateMetrics(ctx context.Context, service, id string, activeConnections int, responseTimeMs float64) error {
	inst, err := r.Get(ctx, service, id)
	if err != nil {
		return err
	}
	inst.ActiveConnections = activeConnections
	inst.ResponseTimeMs = responseTimeMs
	return r.save(ctx, inst, r.cfg.DefaultTTL)
}

// Services lists every service name ever registered.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, servicesIndexKey())
}

// CleanupExpired reconciles each service's index set against surviving
// detail entries, dropping IDs whose detail has expired. Returns the
// number of stale index entries removed.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	services, err := r.Services(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, service := range services {
		ids, err := r.store.SMembers(ctx, registrySetKey(service))
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if _, err := r.store.Get(ctx, instanceKey(service, id)); errors.Is(err, kvstore.ErrNotFound) {
				if err := r.store.SRem(ctx, registrySetKey(service), id); err != nil {
					return removed, err
				}
				removed++
				if r.log != nil {
					r.log.WithFields(map[string]any{"service": service, "instance_id": id}).Info("cleaned up expired service instance")
				}
			}
		}
	}
	return removed, nil
}

// SeedFromConfig pre-registers one instance per enabled entry in a
// services.yaml-derived ServicesConfig, so discovery has candidates
// before any runtime registration occurs.
func (r *Registry) SeedFromConfig(ctx context.Context, cfg *config.ServicesConfig) error {
	if cfg == nil {
		return nil
	}
	for name, settings := range cfg.Services {
		if settings == nil || !settings.Enabled {
			continue
		}
		host := "localhost"
		if settings.Extra != nil {
			if h, ok := settings.Extra["host"].(string); ok && h != "" {
				host = h
			}
		}
		if _, err := r.Register(ctx, Registration{Name: name, Host: host, Port: settings.Port}); err != nil {
			return fmt.Errorf("seed service %s: %w", name, err)
		}
	}
	return nil
}

func randomSuffix() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "0"
	}
	return hex.EncodeToString(b[:])
}
