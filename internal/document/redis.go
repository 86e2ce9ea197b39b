package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// initScript 文件不存在時建立，回傳 1 表示新建、0 表示已存在
var initScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'likes', 0, 'version', 1, 'updated_at', ARGV[1])
	return 1
`)

// RedisStore 以 Redis hash 保存文件
//
// key: doc:{path}，欄位 likes / version / updated_at（Unix 毫秒）。
// CompareAndSet 使用 WATCH + MULTI/EXEC，被監看的 key 在 EXEC 前
// 有任何變動，redis 會讓整個交易失敗。
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore 建立 Redis 儲存，客戶端可與 RedisNotifier 共用
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func redisKey(path string) string {
	return fmt.Sprintf("doc:%s", path)
}

// Get 讀取文件
func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}

	fields, err := s.client.HGetAll(ctx, redisKey(path)).Result()
	if err != nil {
		s.logger.Error("redis get document failed", "path", path, "error", err)
		return Snapshot{}, fmt.Errorf("get document: %w", err)
	}

	return parseHash(path, fields)
}

// InitializeIfMissing 以 Lua script 原子地建立文件
func (s *RedisStore) InitializeIfMissing(ctx context.Context, path string) (Snapshot, bool, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, false, err
	}

	created, err := initScript.Run(ctx, s.client, []string{redisKey(path)}, s.now().UnixMilli()).Int64()
	if err != nil {
		s.logger.Error("redis initialize document failed", "path", path, "error", err)
		return Snapshot{}, false, fmt.Errorf("initialize document: %w", err)
	}

	snap, err := s.Get(ctx, path)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, created == 1, nil
}

// CompareAndSet WATCH 版本後在 MULTI 中寫入
func (s *RedisStore) CompareAndSet(ctx context.Context, path string, expectedVersion, likes int64) (Snapshot, error) {
	if err := checkWrite(path, expectedVersion, likes); err != nil {
		return Snapshot{}, err
	}

	key := redisKey(path)
	var next Snapshot

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := parseHash(path, fields)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return ErrConflict
		}

		now := s.now()
		next = Snapshot{
			Path:       path,
			Likes:      likes,
			Version:    current.Version + 1,
			Exists:     true,
			UpdateTime: time.UnixMilli(now.UnixMilli()),
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"likes", next.Likes,
				"version", next.Version,
				"updated_at", now.UnixMilli(),
			)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return Snapshot{}, ErrConflict
	default:
		s.logger.Error("redis compare-and-set failed", "path", path, "error", err)
		return Snapshot{}, fmt.Errorf("compare and set: %w", err)
	}
}

// parseHash 將 hash 欄位轉為快照，空 hash 代表文件不存在
func parseHash(path string, fields map[string]string) (Snapshot, error) {
	if len(fields) == 0 {
		return Missing(path), nil
	}

	likes, err := strconv.ParseInt(fields["likes"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse likes of %s: %w", path, err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse version of %s: %w", path, err)
	}

	snap := Snapshot{Path: path, Likes: likes, Version: version, Exists: true}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		snap.UpdateTime = time.UnixMilli(ms)
	}
	return snap, nil
}

// Ping 檢查連線
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
