package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmerrifield20/VaultLedger/internal/canonical"
	"github.com/jmerrifield20/VaultLedger/internal/vault"
)

// DefaultStream is the Redis stream written by RedisSealer.
const DefaultStream = "vault:fallback"

// RedisSealer appends degraded-mode records to a Redis stream. The stream
// entry ID is the record's EntryID.
type RedisSealer struct {
	client redis.Cmdable
	stream string
	maxLen int64
	now    func() time.Time
}

// NewRedisSealer creates a RedisSealer writing to stream. maxLen caps the
// stream length approximately; zero leaves it unbounded.
func NewRedisSealer(client redis.Cmdable, stream string, maxLen int64) *RedisSealer {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSealer{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

// NewRedisClient builds the client used by RedisSealer.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Name implements vault.Sealer.
func (s *RedisSealer) Name() string { return "redis" }

// Seal implements vault.Sealer.
func (s *RedisSealer) Seal(ctx context.Context, sessionID string, verdict vault.Verdict, payload canonical.Document) (*vault.FallbackReceipt, error) {
	ts := canonical.Timestamp(s.now())
	h, err := hashRecord(sessionID, verdict, payload, ts)
	if err != nil {
		return nil, err
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"session_id": sessionID,
			"verdict":    string(verdict),
			"payload":    payload.String(),
			"timestamp":  ts.Format(canonical.TimeLayout),
			"entry_hash": h.String(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fallback xadd: %w", err)
	}
	return &vault.FallbackReceipt{Sealer: s.Name(), EntryID: id, EntryHash: h}, nil
}

// Records reads up to limit records after the given stream ID.
func (s *RedisSealer) Records(ctx context.Context, after string, limit int) ([]Record, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, "+", int64(limit)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis fallback xrange: %w", err)
	}

	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		rec, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Remove deletes a reconciled record from the stream.
func (s *RedisSealer) Remove(ctx context.Context, entryID string) error {
	n, err := s.client.XDel(ctx, s.stream, entryID).Result()
	if err != nil {
		return fmt.Errorf("redis fallback xdel: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fallback record %s: %w", entryID, vault.ErrNotFound)
	}
	return nil
}

func decodeMessage(m redis.XMessage) (Record, error) {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	rec := Record{EntryID: m.ID, SessionID: str("session_id"), Verdict: vault.Verdict(str("verdict"))}
	var err error
	if rec.Payload, err = canonical.ParseDocument([]byte(str("payload"))); err != nil {
		return rec, fmt.Errorf("decode fallback record %s: %w", m.ID, err)
	}
	if rec.Timestamp, err = time.Parse(canonical.TimeLayout, str("timestamp")); err != nil {
		return rec, fmt.Errorf("decode fallback record %s: %w", m.ID, err)
	}
	if rec.EntryHash, err = canonical.ParseDigest(str("entry_hash")); err != nil {
		return rec, fmt.Errorf("decode fallback record %s: %w", m.ID, err)
	}
	return rec, nil
}
