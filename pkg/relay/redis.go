package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixMsg  = "am:msg:"      // held message JSON, TTL = expiry
	keyPrefixRcpt = "am:idx:rcpt:" // SET of msg_ids per recipient fingerprint
	keyPrefixReg  = "am:reg:"      // directory entry JSON by lowercased name
)

// RedisStore persists held messages and the directory in Redis. Held
// messages carry a native key TTL, so expiry is enforced by the server;
// CleanupExpired only prunes stale recipient index entries.
type RedisStore struct {
	rdb *redis.Client
}

// OpenRedis connects to the Redis instance at addr.
func OpenRedis(addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// Close shuts down the store connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Deposit upserts a held message by msg_id.
func (s *RedisStore) Deposit(ctx context.Context, msg *HeldMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal held message: %w", err)
	}
	ttl := time.Until(time.Unix(msg.ExpiresAt, 0))
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyPrefixMsg+msg.MsgID, data, ttl)
	pipe.SAdd(ctx, keyPrefixRcpt+msg.RecipientFingerprint, msg.MsgID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deposit message: %w", err)
	}
	return nil
}

// Pickup returns unexpired messages for the recipient deposited after
// the since cursor, oldest first.
func (s *RedisStore) Pickup(ctx context.Context, recipientFP string, since int64) ([]HeldMessage, error) {
	ids, err := s.rdb.SMembers(ctx, keyPrefixRcpt+recipientFP).Result()
	if err != nil {
		return nil, fmt.Errorf("list held ids: %w", err)
	}

	now := nowUnix()
	var msgs []HeldMessage
	for _, id := range ids {
		msg, err := s.getMessage(ctx, id)
		if err != nil {
			// Expired server-side; the index entry is pruned on cleanup.
			continue
		}
		if msg.RecipientFingerprint != recipientFP {
			continue
		}
		if msg.DepositedAt > since && msg.ExpiresAt > now {
			msgs = append(msgs, *msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].DepositedAt < msgs[j].DepositedAt })
	return msgs, nil
}

func (s *RedisStore) getMessage(ctx context.Context, msgID string) (*HeldMessage, error) {
	data, err := s.rdb.Get(ctx, keyPrefixMsg+msgID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("message %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get held message: %w", err)
	}
	var msg HeldMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal held message: %w", err)
	}
	return &msg, nil
}

// Ack deletes held messages matching both the id list and the recipient.
func (s *RedisStore) Ack(ctx context.Context, recipientFP string, msgIDs []string) (int, error) {
	removed := 0
	for _, id := range msgIDs {
		msg, err := s.getMessage(ctx, id)
		if err != nil {
			continue
		}
		// Recipient scoping: never delete another recipient's deposit.
		if msg.RecipientFingerprint != recipientFP {
			continue
		}
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, keyPrefixMsg+id)
		pipe.SRem(ctx, keyPrefixRcpt+recipientFP, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("ack message: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Register upserts a directory entry by lowercased name.
func (s *RedisStore) Register(ctx context.Context, entry *DirectoryEntry) error {
	entry.Name = normalizeName(entry.Name)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal directory entry: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefixReg+entry.Name, data, 0).Err(); err != nil {
		return fmt.Errorf("register name: %w", err)
	}
	return nil
}

// Lookup resolves a name case-insensitively.
func (s *RedisStore) Lookup(ctx context.Context, name string) (*DirectoryEntry, error) {
	data, err := s.rdb.Get(ctx, keyPrefixReg+normalizeName(name)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("name %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup name: %w", err)
	}
	var e DirectoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal directory entry: %w", err)
	}
	return &e, nil
}

// CleanupExpired prunes recipient index entries whose message keys have
// expired server-side.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	pruned := 0
	iter := s.rdb.Scan(ctx, 0, keyPrefixRcpt+"*", 100).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		ids, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			exists, err := s.rdb.Exists(ctx, keyPrefixMsg+id).Result()
			if err != nil || exists > 0 {
				continue
			}
			if err := s.rdb.SRem(ctx, setKey, id).Err(); err == nil {
				pruned++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("scan recipient indexes: %w", err)
	}
	return pruned, nil
}

// Stats summarizes held-message volume.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	iter := s.rdb.Scan(ctx, 0, keyPrefixMsg+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		st.MessagesHeld++
		st.TotalBytes += n
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan held messages: %w", err)
	}
	return &st, nil
}
