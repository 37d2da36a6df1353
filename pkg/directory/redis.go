package directory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis resolves membership from a redis set per group, keyed
// "<prefix><groupID>". Deployments that mirror membership into redis can
// spare the relational store a round trip per fan-out.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "group:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

var _ Client = (*Redis)(nil)

func (s *Redis) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keyPrefix+groupID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: smembers for group %q: %v", ErrStoreUnavailable, groupID, err)
	}
	return members, nil
}
