package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "resolver:settings:quality:v1"

type RedisPersistence struct {
	client redis.UniversalClient
	key    string
}

func NewRedisPersistence(client redis.UniversalClient, key string) *RedisPersistence {
	if client == nil {
		return nil
	}
	storeKey := strings.TrimSpace(key)
	if storeKey == "" {
		storeKey = defaultRedisKey
	}
	return &RedisPersistence{client: client, key: storeKey}
}

func (p *RedisPersistence) Load(ctx context.Context) (Preferences, bool, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Preferences{}, false, nil
		}
		return Preferences{}, false, err
	}
	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return Preferences{}, false, err
	}
	return prefs, true, nil
}

func (p *RedisPersistence) Save(ctx context.Context, prefs Preferences) error {
	payload, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, p.key, payload, 0).Err()
}
