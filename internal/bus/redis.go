// Package bus fans wire events out across hub replicas over Redis pub/sub, so
// two peers in the same room but connected to different pods still see each
// other's moves.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/match3/battlehub/internal/metrics"
)

// PubSubPayload is the envelope carried on the distributed bus.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
	Roles    []string        `json:"roles,omitempty"`
}

// Service handles all interaction with the Redis cluster fronting the hub.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, or nil in single-instance mode.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService opens a Redis connection, verifying it with an immediate ping,
// and wraps it with a circuit breaker so a Redis outage degrades the hub to
// single-instance behavior instead of blocking peers.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis pub/sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every hub replica watching roomID. roles
// restricts delivery to peers holding one of the given roles (host, guest,
// spectator); nil/empty means all roles.
func (s *Service) Publish(ctx context.Context, roomID string, event string, payload any, senderID string, roles []string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomID:   roomID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
			Roles:    roles,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		channel := fmt.Sprintf("battlehub:room:%s", roomID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	metrics.BusOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusOperationsTotal.WithLabelValues("publish", "degraded").Inc()
			slog.Warn("redis circuit breaker open, dropping publish", "roomID", roomID)
			return nil
		}
		metrics.BusOperationsTotal.WithLabelValues("publish", "error").Inc()
		slog.Error("redis publish failed", "roomID", roomID, "error", err)
		return err
	}

	metrics.BusOperationsTotal.WithLabelValues("publish", "success").Inc()
	return nil
}

// PublishDirect sends an event to one peer across replicas, bypassing room
// fanout.
func (s *Service) PublishDirect(ctx context.Context, targetPeerID string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload for direct message: %w", err)
		}

		msg := PubSubPayload{
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal direct message envelope: %w", err)
		}

		channel := fmt.Sprintf("battlehub:peer:%s", targetPeerID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	metrics.BusOperationDuration.WithLabelValues("publish_direct").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusOperationsTotal.WithLabelValues("publish_direct", "degraded").Inc()
			slog.Warn("redis circuit breaker open, dropping direct message", "targetPeerID", targetPeerID)
			return nil
		}
		metrics.BusOperationsTotal.WithLabelValues("publish_direct", "error").Inc()
		slog.Error("redis publish_direct failed", "targetPeerID", targetPeerID, "senderID", senderID, "event", event, "error", err)
		return err
	}

	metrics.BusOperationsTotal.WithLabelValues("publish_direct", "success").Inc()
	return nil
}

// Subscribe starts a background goroutine relaying messages from other hub
// replicas for roomID into handler, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("battlehub:room:%s", roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal redis message", "error", err, "raw", msg.Payload)
					continue
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity for health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set, used for distributed host-election
// split-brain checks.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open, skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open, skipping SetRem", "key", key)
			return nil
		}
		slog.Error("redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open, returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
