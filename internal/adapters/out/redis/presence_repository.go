package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/domain/errs"
	"github.com/EthanQC/presence/internal/ports/out"
)

const (
	// 在线状态 hash：field 为用户 ID，value 为 {"online","lastSeen"} JSON
	DefaultStatusKey = "users"
	// 连接计数 hash：field 为用户 ID，value 为集群内连接数
	DefaultConnCountKey = "users:conns"
)

// 减到 0 及以下时删掉 field，避免残留负数
var removeConnScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 0
end
return n
`)

// PresenceRepositoryRedis Redis在线状态仓储实现
type PresenceRepositoryRedis struct {
	client       redis.UniversalClient
	statusKey    string
	connCountKey string
}

func NewPresenceRepositoryRedis(client redis.UniversalClient, statusKey, connCountKey string) *PresenceRepositoryRedis {
	if statusKey == "" {
		statusKey = DefaultStatusKey
	}
	if connCountKey == "" {
		connCountKey = DefaultConnCountKey
	}
	return &PresenceRepositoryRedis{
		client:       client,
		statusKey:    statusKey,
		connCountKey: connCountKey,
	}
}

var _ out.PresenceRepository = (*PresenceRepositoryRedis)(nil)

func storeErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, errs.ErrStoreUnavailable, err)
}

func (r *PresenceRepositoryRedis) SetStatus(ctx context.Context, userID string, online bool, lastSeen int64) error {
	data, err := json.Marshal(entity.UserPresence{Online: online, LastSeen: lastSeen})
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.statusKey, userID, data).Err(); err != nil {
		return storeErr("hset", err)
	}
	return nil
}

func (r *PresenceRepositoryRedis) GetStatus(ctx context.Context, userID string) (*entity.UserPresence, error) {
	data, err := r.client.HGet(ctx, r.statusKey, userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, storeErr("hget", err)
	}
	return r.decode(userID, data), nil
}

// GetStatuses 一次 HMGET 读回所有好友
func (r *PresenceRepositoryRedis) GetStatuses(ctx context.Context, userIDs []string) (map[string]*entity.UserPresence, error) {
	result := make(map[string]*entity.UserPresence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	values, err := r.client.HMGet(ctx, r.statusKey, userIDs...).Result()
	if err != nil {
		return nil, storeErr("hmget", err)
	}

	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		if p := r.decode(userIDs[i], data); p != nil {
			result[userIDs[i]] = p
		}
	}
	return result, nil
}

func (r *PresenceRepositoryRedis) GetAllStatuses(ctx context.Context) (map[string]*entity.UserPresence, error) {
	all, err := r.client.HGetAll(ctx, r.statusKey).Result()
	if err != nil {
		return nil, storeErr("hgetall", err)
	}

	result := make(map[string]*entity.UserPresence, len(all))
	for userID, data := range all {
		if p := r.decode(userID, data); p != nil {
			result[userID] = p
		}
	}
	return result, nil
}

func (r *PresenceRepositoryRedis) AddConnection(ctx context.Context, userID string) (int64, error) {
	n, err := r.client.HIncrBy(ctx, r.connCountKey, userID, 1).Result()
	if err != nil {
		return 0, storeErr("hincrby", err)
	}
	return n, nil
}

func (r *PresenceRepositoryRedis) RemoveConnection(ctx context.Context, userID string) (int64, error) {
	n, err := removeConnScript.Run(ctx, r.client, []string{r.connCountKey}, userID).Int64()
	if err != nil {
		return 0, storeErr("hincrby", err)
	}
	return n, nil
}

// decode 坏数据按没有记录处理
func (r *PresenceRepositoryRedis) decode(userID, data string) *entity.UserPresence {
	var p entity.UserPresence
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		zap.L().Warn("malformed presence record",
			zap.String("user_id", userID),
			zap.String("raw", data),
			zap.Error(err))
		return nil
	}
	return &p
}
