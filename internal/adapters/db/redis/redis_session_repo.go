package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	customErrors "github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/errors"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/model"
	"github.com/Miraines/MoonyAndStarry/session-service/internal/domain/auth/repo"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	recordPrefix = "session:rt:"
	indexPrefix  = "session:user:"
)

const (
	statusMissing   int64 = 0
	statusOK        int64 = 1
	statusDuplicate int64 = 2
)

// KEYS: record, user index. ARGV: token hash, score, ttl ms, field pairs...
var createLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 2
end
redis.call("HSET", KEYS[1], unpack(ARGV, 4))
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: presented record, next record, user index.
// ARGV: user id, presented hash, next hash, score, ttl ms, field pairs...
var rotateLua = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner or owner ~= ARGV[1] then
  return 0
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 2
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("HSET", KEYS[2], unpack(ARGV, 6))
redis.call("PEXPIRE", KEYS[2], ARGV[5])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[3])
return 1
`)

// KEYS: record. ARGV: index prefix, token hash.
var deleteLua = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", ARGV[1] .. owner, ARGV[2])
return 1
`)

// KEYS: user index. ARGV: record prefix.
var deleteAllLua = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local n = 0
for _, h in ipairs(members) do
  n = n + redis.call("DEL", ARGV[1] .. h)
end
redis.call("DEL", KEYS[1])
return n
`)

// KEYS: user index. ARGV: record prefix, keep.
var trimLua = redis.NewScript(`
local stale = redis.call("ZREVRANGE", KEYS[1], tonumber(ARGV[2]), -1)
local n = 0
for _, h in ipairs(stale) do
  n = n + redis.call("DEL", ARGV[1] .. h)
  redis.call("ZREM", KEYS[1], h)
end
return n
`)

// RedisSessionRepo stores each refresh record as a hash keyed by the token
// hash, plus a per-user sorted set scored by creation time. Records outlive
// their expiry by the retention window so they stay listable.
type RedisSessionRepo struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

func NewRedisSessionRepo(client *redis.Client, retention time.Duration) *RedisSessionRepo {
	return &RedisSessionRepo{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

func recordKey(hash string) string { return recordPrefix + hash }

func indexKey(userID uuid.UUID) string { return indexPrefix + userID.String() }

func storeErr(err error, op string) error {
	return customErrors.WrapStoreUnavailable(err, op)
}

func (r *RedisSessionRepo) record(in repo.NewRefreshToken) model.RefreshToken {
	return model.RefreshToken{
		ID:        uuid.New(),
		UserID:    in.UserID,
		TokenHash: model.HashToken(in.Token),
		CreatedAt: r.now().UTC(),
		ExpiresAt: in.ExpiresAt.UTC(),
		IPAddress: in.Meta.IPAddress,
		UserAgent: in.Meta.UserAgent,
	}
}

// ttl never drops below the retention window, so a record created already
// expired is still kept for auditing.
func (r *RedisSessionRepo) ttl(rec model.RefreshToken) int64 {
	left := rec.ExpiresAt.Sub(r.now())
	if left < 0 {
		left = 0
	}
	ms := (left + r.retention).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

func fields(rec model.RefreshToken) []interface{} {
	return []interface{}{
		"id", rec.ID.String(),
		"user_id", rec.UserID.String(),
		"created_at", strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		"expires_at", strconv.FormatInt(rec.ExpiresAt.UnixNano(), 10),
		"ip", rec.IPAddress,
		"ua", rec.UserAgent,
	}
}

func score(rec model.RefreshToken) int64 { return rec.CreatedAt.UnixMicro() }

func parseRecord(hash string, m map[string]string) (model.RefreshToken, error) {
	id, err := uuid.Parse(m["id"])
	if err != nil {
		return model.RefreshToken{}, err
	}
	userID, err := uuid.Parse(m["user_id"])
	if err != nil {
		return model.RefreshToken{}, err
	}
	created, err := strconv.ParseInt(m["created_at"], 10, 64)
	if err != nil {
		return model.RefreshToken{}, err
	}
	expires, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return model.RefreshToken{}, err
	}
	return model.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: time.Unix(0, created).UTC(),
		ExpiresAt: time.Unix(0, expires).UTC(),
		IPAddress: m["ip"],
		UserAgent: m["ua"],
	}, nil
}

func (r *RedisSessionRepo) Create(ctx context.Context, in repo.NewRefreshToken) (model.RefreshToken, error) {
	rec := r.record(in)
	args := append([]interface{}{rec.TokenHash, score(rec), r.ttl(rec)}, fields(rec)...)

	status, err := createLua.Run(ctx, r.client,
		[]string{recordKey(rec.TokenHash), indexKey(rec.UserID)}, args...).Int64()
	if err != nil {
		return model.RefreshToken{}, storeErr(err, "CreateSession")
	}
	if status == statusDuplicate {
		return model.RefreshToken{}, customErrors.ErrAlreadyExists
	}
	return rec, nil
}

func (r *RedisSessionRepo) FindByToken(ctx context.Context, token string) (model.RefreshToken, error) {
	hash := model.HashToken(token)
	m, err := r.client.HGetAll(ctx, recordKey(hash)).Result()
	if err != nil {
		return model.RefreshToken{}, storeErr(err, "FindByToken")
	}
	if len(m) == 0 {
		return model.RefreshToken{}, customErrors.ErrNotFound
	}
	rec, err := parseRecord(hash, m)
	if err != nil {
		return model.RefreshToken{}, customErrors.WrapEncoding(err, "FindByToken")
	}
	return rec, nil
}

func (r *RedisSessionRepo) DeleteByToken(ctx context.Context, token string) (int64, error) {
	hash := model.HashToken(token)
	n, err := deleteLua.Run(ctx, r.client, []string{recordKey(hash)}, indexPrefix, hash).Int64()
	if err != nil {
		return 0, storeErr(err, "DeleteByToken")
	}
	return n, nil
}

func (r *RedisSessionRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := deleteAllLua.Run(ctx, r.client, []string{indexKey(userID)}, recordPrefix).Int64()
	if err != nil {
		return 0, storeErr(err, "DeleteAllForUser")
	}
	return n, nil
}

// ListForUser drops index entries whose record is already gone.
func (r *RedisSessionRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.RefreshToken, error) {
	idx := indexKey(userID)
	hashes, err := r.client.ZRevRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return nil, storeErr(err, "ListForUser")
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(hashes))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, h := range hashes {
			cmds[i] = pipe.HGetAll(ctx, recordKey(h))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "ListForUser")
	}

	out := make([]model.RefreshToken, 0, len(hashes))
	var gone []interface{}
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			gone = append(gone, hashes[i])
			continue
		}
		rec, err := parseRecord(hashes[i], m)
		if err != nil {
			return nil, customErrors.WrapEncoding(err, "ListForUser")
		}
		out = append(out, rec)
	}

	if len(gone) > 0 {
		if err := r.client.ZRem(ctx, idx, gone...).Err(); err != nil {
			return nil, storeErr(err, "ListForUser")
		}
	}
	return out, nil
}

func (r *RedisSessionRepo) Rotate(ctx context.Context, presented string, next repo.NewRefreshToken) (model.RefreshToken, error) {
	oldHash := model.HashToken(presented)
	rec := r.record(next)
	args := append([]interface{}{
		next.UserID.String(), oldHash, rec.TokenHash, score(rec), r.ttl(rec),
	}, fields(rec)...)

	status, err := rotateLua.Run(ctx, r.client,
		[]string{recordKey(oldHash), recordKey(rec.TokenHash), indexKey(rec.UserID)}, args...).Int64()
	if err != nil {
		return model.RefreshToken{}, storeErr(err, "Rotate")
	}

	switch status {
	case statusOK:
		return rec, nil
	case statusMissing:
		return model.RefreshToken{}, customErrors.ErrNotFound
	case statusDuplicate:
		return model.RefreshToken{}, customErrors.ErrAlreadyExists
	default:
		return model.RefreshToken{}, storeErr(errors.New("unknown script status"), "Rotate")
	}
}

func (r *RedisSessionRepo) TrimForUser(ctx context.Context, userID uuid.UUID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	n, err := trimLua.Run(ctx, r.client, []string{indexKey(userID)}, recordPrefix, keep).Int64()
	if err != nil {
		return 0, storeErr(err, "TrimForUser")
	}
	return n, nil
}

func (r *RedisSessionRepo) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeErr(err, "Ping")
	}
	return nil
}
