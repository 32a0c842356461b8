// Package inapp keeps a bounded per-account inbox of notifications in a
// Redis list, newest first.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

var _ ports.ChannelSender = (*Inbox)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces inbox keys; defaults to "remindflow:inbox:".
	KeyPrefix string
	// MaxItems caps each inbox; older entries are trimmed.
	MaxItems int
	// TTL expires an idle inbox; 0 keeps it forever.
	TTL time.Duration
}

// Item is one inbox entry.
type Item struct {
	NotificationID string            `json:"notification_id"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type Inbox struct {
	rdb  *redis.Client
	opts Options
}

func New(opts Options) *Inbox {
	log.Info().Msgf("connecting to redis at %s", opts.Addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts)
}

func NewWithClient(rdb *redis.Client, opts Options) *Inbox {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "remindflow:inbox:"
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 100
	}
	return &Inbox{rdb: rdb, opts: opts}
}

func (b *Inbox) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

func (b *Inbox) Close() error { return b.rdb.Close() }

func (b *Inbox) Channel() domain.Channel { return domain.ChannelInApp }

func (b *Inbox) key(accountID string) string { return b.opts.KeyPrefix + accountID }

func (b *Inbox) Send(ctx context.Context, n *domain.Notification) error {
	if n.AccountID == "" {
		return domain.Permanent(domain.ChannelInApp, "account id is required", nil)
	}
	raw, err := json.Marshal(Item{
		NotificationID: n.ID,
		Title:          n.Title,
		Content:        n.Content,
		Metadata:       n.Metadata,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return domain.Permanent(domain.ChannelInApp, "encode item", err)
	}

	key := b.key(n.AccountID)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, int64(b.opts.MaxItems-1))
	if b.opts.TTL > 0 {
		pipe.Expire(ctx, key, b.opts.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Transient(domain.ChannelInApp, "redis write", err)
	}
	return nil
}

// Recent returns up to limit inbox items, newest first.
func (b *Inbox) Recent(ctx context.Context, accountID string, limit int) ([]Item, error) {
	if limit <= 0 || limit > b.opts.MaxItems {
		limit = b.opts.MaxItems
	}
	raws, err := b.rdb.LRange(ctx, b.key(accountID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("skip undecodable inbox item")
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
