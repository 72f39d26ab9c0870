package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/domains/integration"
	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

const cacheTTL = time.Hour

// ValkeyCache is a read-through projection of the registration table, keyed
// by both instance name and webhook token so the webhook hot path resolves
// without a database round trip. Misses fall through to the repository and
// negative results are never cached.
type ValkeyCache struct {
	client *valkey.Client
	repo   integration.Repository
}

func NewValkeyCache(client *valkey.Client, repo integration.Repository) *ValkeyCache {
	return &ValkeyCache{client: client, repo: repo}
}

func (c *ValkeyCache) instanceKey(name string) string {
	return c.client.Key("whatsapp", "instance", name)
}

func (c *ValkeyCache) tokenKey(token string) string {
	return c.client.Key("whatsapp", "token", token)
}

func (c *ValkeyCache) ResolveByToken(ctx context.Context, token string) (*integration.CacheEntry, error) {
	if entry := c.get(ctx, c.tokenKey(token)); entry != nil {
		return entry, nil
	}

	reg, err := c.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	entry := entryFromRegistration(reg)
	c.put(ctx, entry)
	return entry, nil
}

func (c *ValkeyCache) ResolveByInstance(ctx context.Context, instanceName string) (*integration.CacheEntry, error) {
	if entry := c.get(ctx, c.instanceKey(instanceName)); entry != nil {
		return entry, nil
	}

	reg, err := c.repo.GetByInstance(ctx, instanceName)
	if err != nil {
		return nil, err
	}
	entry := entryFromRegistration(reg)
	c.put(ctx, entry)
	return entry, nil
}

// Invalidate removes both projections of a registration. The token key is
// found through the cached instance entry, falling back to the repository
// when the instance entry already expired.
func (c *ValkeyCache) Invalidate(ctx context.Context, instanceName string) error {
	token := ""
	if entry := c.get(ctx, c.instanceKey(instanceName)); entry != nil {
		token = entry.WebhookToken
	} else if reg, err := c.repo.GetByInstance(ctx, instanceName); err == nil {
		token = reg.WebhookToken
	} else if !errors.Is(err, integration.ErrNotFound) {
		logrus.WithError(err).Warnf("[CACHE] Lookup during invalidation failed for %s", instanceName)
	}

	inner := c.client.Inner()
	keys := []string{c.instanceKey(instanceName)}
	if token != "" {
		keys = append(keys, c.tokenKey(token))
	}
	if err := inner.Do(ctx, inner.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", instanceName, err)
	}
	return nil
}

func (c *ValkeyCache) get(ctx context.Context, key string) *integration.CacheEntry {
	inner := c.client.Inner()
	raw, err := inner.Do(ctx, inner.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if !valkey.IsNil(err) {
			logrus.WithError(err).Warnf("[CACHE] Read failed for %s", key)
		}
		return nil
	}

	var entry integration.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		logrus.WithError(err).Warnf("[CACHE] Corrupt entry at %s, dropping", key)
		_ = inner.Do(ctx, inner.B().Del().Key(key).Build()).Error()
		return nil
	}
	return &entry
}

func (c *ValkeyCache) put(ctx context.Context, entry *integration.CacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	inner := c.client.Inner()
	keys := []string{c.instanceKey(entry.InstanceName)}
	if entry.WebhookToken != "" {
		keys = append(keys, c.tokenKey(entry.WebhookToken))
	}
	for _, key := range keys {
		cmd := inner.B().Set().Key(key).Value(string(raw)).Ex(cacheTTL).Build()
		if err := inner.Do(ctx, cmd).Error(); err != nil {
			logrus.WithError(err).Warnf("[CACHE] Write failed for %s", key)
		}
	}
}

func entryFromRegistration(reg *integration.Registration) *integration.CacheEntry {
	return &integration.CacheEntry{
		InstanceName:   reg.InstanceName,
		OrganizationID: reg.OrganizationID,
		ClinicID:       reg.ClinicID,
		WebhookToken:   reg.WebhookToken,
		Status:         reg.Status,
		Enabled:        reg.Enabled,
	}
}
