package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig describes the Redis stream sink.
type RedisStreamConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisStream appends entries to a Redis stream with XADD.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStream connects to Redis and verifies the connection.
func NewRedisStream(ctx context.Context, cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Address == "" {
		return nil, errors.New("activity: redis address is required")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "sortie:activity"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("activity: connect redis: %w", err)
	}
	return &RedisStream{client: client, stream: stream, maxLen: cfg.MaxLen}, nil
}

func (s *RedisStream) Record(ctx context.Context, e *Entry) error {
	values, err := streamValues(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("activity: xadd %s: %w", s.stream, err)
	}
	return nil
}

// streamValues flattens e into stream fields. The payload stays JSON.
func streamValues(e *Entry) (map[string]any, error) {
	kind, payload, err := Encode(e.Payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          e.ID,
		"org_id":      e.OrgID,
		"kind":        string(kind),
		"agent_id":    e.AgentID,
		"task_id":     e.TaskID,
		"proposal_id": e.ProposalID,
		"summary":     e.Summary,
		"payload":     string(payload),
		"created_at":  e.CreatedAt.UnixMilli(),
	}, nil
}

// Close releases the Redis connection.
func (s *RedisStream) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// AMQPConfig describes the RabbitMQ sink.
type AMQPConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// AMQP publishes entries as JSON to a RabbitMQ queue.
type AMQP struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQP dials RabbitMQ and declares the queue.
func NewAMQP(cfg AMQPConfig) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("activity: amqp url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "sortie.activity"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("activity: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("activity: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("activity: declare queue %s: %w", queue, err)
	}
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

func (q *AMQP) Record(ctx context.Context, e *Entry) error {
	if q == nil || q.ch == nil {
		return errors.New("activity: amqp sink not initialized")
	}
	msg, err := publishing(e)
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg)
}

func publishing(e *Entry) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("activity: marshal entry: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(kindOf(e)),
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Body:         body,
	}, nil
}

// Close releases the channel and connection.
func (q *AMQP) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
