package client

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-pm-lifecycle/internal/service"
)

var (
	_ service.Directory = StaticDirectory(nil)
	_ service.Directory = (*RedisDirectory)(nil)
)

// StaticDirectory maps role name to user ids. It is loaded from config and
// never changes at runtime.
type StaticDirectory map[string][]string

// HasRole reports whether userID is listed under role.
func (d StaticDirectory) HasRole(_ context.Context, userID, role string) (bool, error) {
	return slices.Contains(d[role], userID), nil
}

// UsersWithRole returns a copy of the users listed under role.
func (d StaticDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return slices.Clone(d[role]), nil
}

// redisSets is the subset of redis.Cmdable the directory needs.
type redisSets interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisDirectory reads role membership from Redis sets, one set per role
// under <prefix><ROLE>. The identity service owns the sets.
type RedisDirectory struct {
	client redisSets
	prefix string
}

// NewRedisDirectory creates a directory over a go-redis client.
func NewRedisDirectory(client redis.Cmdable, prefix string) *RedisDirectory {
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) key(role string) string {
	return d.prefix + role
}

// HasRole reports whether userID is a member of the role's set.
func (d *RedisDirectory) HasRole(ctx context.Context, userID, role string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.key(role), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check role %s for %s: %w", role, userID, err)
	}
	return ok, nil
}

// UsersWithRole returns the role's members sorted by id. A missing set is an
// empty role.
func (d *RedisDirectory) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	users, err := d.client.SMembers(ctx, d.key(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("list users with role %s: %w", role, err)
	}
	sort.Strings(users)
	return users, nil
}
