package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"classwatch-backend/internal/models"
)

// ArtifactCache holds short-lived per-device payloads (typically the last
// captured screen frame). Writes are unconditional with a fixed TTL, last
// write wins. Entries live in a local map and, when Redis is configured,
// are mirrored there so any instance can serve a frame produced on another
// one. Without Redis only local hits are served; a miss is never an error.
type ArtifactCache struct {
	mu      sync.Mutex
	local   map[string]localArtifact
	rdb     *redis.Client
	ttl     time.Duration
	now     func() time.Time
	lastGC  time.Time
}

type localArtifact struct {
	artifact  models.Artifact
	expiresAt time.Time
}

// NewArtifactCache builds the cache. rdb may be nil; the cache then serves
// local entries only (fail-open, same stance as the broadcast bus).
func NewArtifactCache(rdb *redis.Client, ttl time.Duration) *ArtifactCache {
	return &ArtifactCache{
		local: make(map[string]localArtifact),
		rdb:   rdb,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Set overwrites the device's artifact. Redis failures degrade to a
// local-only entry rather than failing the write.
func (c *ArtifactCache) Set(ctx context.Context, artifact models.Artifact) error {
	now := c.now()

	c.mu.Lock()
	c.local[artifact.DeviceID] = localArtifact{artifact: artifact, expiresAt: now.Add(c.ttl)}
	c.gcLocked(now)
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, artifactKey(artifact.DeviceID), data, c.ttl).Err()
}

// Get returns the device's artifact if one is present and unexpired.
// Absence is reported through the bool, not as an error.
func (c *ArtifactCache) Get(ctx context.Context, deviceID string) (models.Artifact, bool, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.local[deviceID]
	if ok && now.Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.artifact, true, nil
	}
	if ok {
		delete(c.local, deviceID)
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return models.Artifact{}, false, nil
	}

	data, err := c.rdb.Get(ctx, artifactKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Artifact{}, false, nil
	}
	if err != nil {
		return models.Artifact{}, false, err
	}

	var artifact models.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return models.Artifact{}, false, err
	}
	return artifact, true, nil
}

// gcLocked drops expired local entries, at most once per TTL interval.
func (c *ArtifactCache) gcLocked(now time.Time) {
	if now.Sub(c.lastGC) < c.ttl {
		return
	}
	c.lastGC = now
	for id, entry := range c.local {
		if !now.Before(entry.expiresAt) {
			delete(c.local, id)
		}
	}
}

func artifactKey(deviceID string) string {
	return "artifact:" + deviceID
}
