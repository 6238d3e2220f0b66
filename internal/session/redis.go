package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/dataimport/internal/core"
)

const keyPrefix = "dataimport:"

// Redis stores sessions as JSON strings with a sliding TTL and templates
// as one hash per entity type.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps a client. A ttl of zero means DefaultTTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func sessionKey(id string) string { return keyPrefix + "session:" + id }
func templateKey(entityType string) string { return keyPrefix + "templates:" + entityType }

func (r *Redis) Save(ctx context.Context, sess *core.ImportSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, sessionKey(sess.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get loads a session and extends its TTL.
func (r *Redis) Get(ctx context.Context, id string) (*core.ImportSession, error) {
	data, err := r.rdb.GetEx(ctx, sessionKey(id), r.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess core.ImportSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *Redis) SaveTemplate(ctx context.Context, t core.MappingTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	if err := r.rdb.HSet(ctx, templateKey(t.EntityType), t.ID, data).Err(); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (r *Redis) Templates(ctx context.Context, entityType string) ([]core.MappingTemplate, error) {
	all, err := r.rdb.HGetAll(ctx, templateKey(entityType)).Result()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	out := make([]core.MappingTemplate, 0, len(all))
	for id, raw := range all {
		var t core.MappingTemplate
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", id, err)
		}
		out = append(out, t)
	}
	sortTemplates(out)
	return out, nil
}

func (r *Redis) DeleteTemplate(ctx context.Context, entityType, id string) error {
	n, err := r.rdb.HDel(ctx, templateKey(entityType), id).Result()
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
