// Package redis stores consultation records and room membership.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/telemed-rtc/config"
	"github.com/mossy-p/telemed-rtc/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("consultation not found")

// Store keeps consultations under consultation:<id> and the connected
// participants of the room under consultation:<id>:peers.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// Connect initializes the Redis client and checks the connection.
func Connect(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStore(client, cfg.TTL, log), nil
}

func NewStore(client *redis.Client, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, ttl: ttl, log: log.Named("redis")}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func consultationKey(id string) string { return "consultation:" + id }

func peersKey(id string) string { return "consultation:" + id + ":peers" }

// SaveConsultation creates or overwrites the record and refreshes its TTL.
func (s *Store) SaveConsultation(ctx context.Context, c *models.Consultation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, consultationKey(c.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store consultation %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetConsultation(ctx context.Context, id string) (*models.Consultation, error) {
	data, err := s.client.Get(ctx, consultationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load consultation %s: %w", id, err)
	}
	var c models.Consultation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse consultation %s: %w", id, err)
	}
	return &c, nil
}

// UpdateConsultation applies fn to the stored record inside an optimistic
// transaction, so the relay and the REST API can both move the status.
func (s *Store) UpdateConsultation(ctx context.Context, id string, fn func(*models.Consultation) error) (*models.Consultation, error) {
	key := consultationKey(id)
	var result *models.Consultation
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var c models.Consultation
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		updated, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		result = &c
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.log.Debug("consultation update raced, retrying", zap.String("consultation_id", id))
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("update consultation %s: %w", id, redis.TxFailedErr)
}

func (s *Store) DeleteConsultation(ctx context.Context, id string) error {
	return s.client.Del(ctx, consultationKey(id), peersKey(id)).Err()
}

// AddPeer records a connected participant and returns the room size.
func (s *Store) AddPeer(ctx context.Context, id, userID string) (int, error) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(id), userID)
	pipe.Expire(ctx, peersKey(id), s.ttl)
	card := pipe.SCard(ctx, peersKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add peer to %s: %w", id, err)
	}
	return int(card.Val()), nil
}

func (s *Store) RemovePeer(ctx context.Context, id, userID string) error {
	return s.client.SRem(ctx, peersKey(id), userID).Err()
}

func (s *Store) PeerCount(ctx context.Context, id string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(id)).Result()
	return int(n), err
}
