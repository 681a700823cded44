// Package relay bridges the orchestrator event bus and Redis Streams: orchestrator
// events are appended to an outbound stream and kernel events are read from an
// inbound stream through a consumer group.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/events"
)

const (
	DefaultAddr          = "localhost:6379"
	DefaultStreamPrefix  = "hsu"
	DefaultConsumerGroup = "hsu-orchestrator"
	DefaultConsumerName  = "orchestrator"
	DefaultBlockTimeout  = time.Second
	DefaultStreamMaxLen  = 10000

	outboundBuffer = 256
	flushTimeout   = 2 * time.Second
)

// RedisConfig configures the Redis Streams relay
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled" env:"HSU_ORCH_REDIS_ENABLED"`
	Addr          string        `yaml:"addr,omitempty" env:"HSU_ORCH_REDIS_ADDR"`
	Password      string        `yaml:"password,omitempty" env:"HSU_ORCH_REDIS_PASSWORD"`
	DB            int           `yaml:"db,omitempty" env:"HSU_ORCH_REDIS_DB"`
	StreamPrefix  string        `yaml:"stream_prefix,omitempty" env:"HSU_ORCH_REDIS_STREAM_PREFIX"`
	ConsumerGroup string        `yaml:"consumer_group,omitempty" env:"HSU_ORCH_REDIS_CONSUMER_GROUP"`
	ConsumerName  string        `yaml:"consumer_name,omitempty" env:"HSU_ORCH_REDIS_CONSUMER_NAME"`
	BlockTimeout  time.Duration `yaml:"block_timeout,omitempty" env:"HSU_ORCH_REDIS_BLOCK_TIMEOUT"`
	StreamMaxLen  int64         `yaml:"stream_max_len,omitempty" env:"HSU_ORCH_REDIS_STREAM_MAX_LEN"`
}

// SetRedisDefaults fills unset relay options
func SetRedisDefaults(config *RedisConfig) {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.StreamPrefix == "" {
		config.StreamPrefix = DefaultStreamPrefix
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = DefaultConsumerGroup
	}
	if config.ConsumerName == "" {
		config.ConsumerName = DefaultConsumerName
	}
	if config.BlockTimeout == 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.StreamMaxLen == 0 {
		config.StreamMaxLen = DefaultStreamMaxLen
	}
}

// ValidateRedisConfig validates relay configuration; a disabled relay is always valid
func ValidateRedisConfig(config RedisConfig) error {
	if !config.Enabled {
		return nil
	}
	if config.Addr == "" {
		return errors.NewValidationError("redis address is required", nil)
	}
	if config.DB < 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid redis db: %d", config.DB), nil)
	}
	if config.StreamPrefix == "" || config.ConsumerGroup == "" || config.ConsumerName == "" {
		return errors.NewValidationError("stream prefix, consumer group and consumer name are required", nil)
	}
	if config.BlockTimeout <= 0 {
		return errors.NewValidationError("block timeout must be positive", nil)
	}
	if config.StreamMaxLen < 0 {
		return errors.NewValidationError("stream max length cannot be negative", nil)
	}
	return nil
}

// NewClient creates the Redis client described by config
func NewClient(config RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
}

// OutboundStream is the stream receiving orchestrator events
func OutboundStream(config RedisConfig) string {
	return fmt.Sprintf("%s:orchestrator:events", config.StreamPrefix)
}

// KernelStream is the stream the kernel writes its events to
func KernelStream(config RedisConfig) string {
	return fmt.Sprintf("%s:kernel:events", config.StreamPrefix)
}

// RedisRelay forwards bus events to Redis and kernel events from Redis to the bus
type RedisRelay struct {
	client *redis.Client
	bus    *events.Bus
	config RedisConfig
	logger *zap.Logger

	mutex       sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	outbound    chan events.Event
	wg          sync.WaitGroup
}

func NewRedisRelay(client *redis.Client, bus *events.Bus, config RedisConfig, logger *zap.Logger) *RedisRelay {
	SetRedisDefaults(&config)
	return &RedisRelay{
		client: client,
		bus:    bus,
		config: config,
		logger: logger,
	}
}

// Start creates the kernel consumer group if needed and starts relaying
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.cancel != nil {
		return nil
	}

	kernelStream := KernelStream(r.config)
	err := r.client.XGroupCreateMkStream(ctx, kernelStream, r.config.ConsumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.NewIOError("failed to create consumer group", err).
			WithContext("stream", kernelStream).WithContext("group", r.config.ConsumerGroup)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.outbound = make(chan events.Event, outboundBuffer)
	outbound := r.outbound
	r.unsubscribe = r.bus.Subscribe(events.All, func(event events.Event) {
		if events.IsKernelEvent(event.Type) {
			return
		}
		select {
		case outbound <- event:
		default:
			r.logger.Warn("outbound buffer full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type))
		}
	})

	r.wg.Add(2)
	go r.writeEvents(relayCtx, outbound)
	go r.readKernelEvents(relayCtx, kernelStream)

	r.logger.Info("relay started",
		zap.String("outbound_stream", OutboundStream(r.config)),
		zap.String("kernel_stream", kernelStream),
		zap.String("consumer_group", r.config.ConsumerGroup),
		zap.String("consumer", r.config.ConsumerName))
	return nil
}

// Stop unsubscribes from the bus, flushes buffered events and waits for the
// relay goroutines. It must not be called from a bus handler.
func (r *RedisRelay) Stop() {
	r.mutex.Lock()
	cancel := r.cancel
	unsubscribe := r.unsubscribe
	r.cancel = nil
	r.unsubscribe = nil
	r.mutex.Unlock()

	if cancel == nil {
		return
	}
	unsubscribe()
	cancel()
	r.wg.Wait()
	r.logger.Info("relay stopped")
}

func (r *RedisRelay) writeEvents(ctx context.Context, outbound <-chan events.Event) {
	defer r.wg.Done()
	for {
		select {
		case event := <-outbound:
			r.publish(ctx, event)
		case <-ctx.Done():
			r.flush(outbound)
			return
		}
	}
}

func (r *RedisRelay) flush(outbound <-chan events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case event := <-outbound:
			r.publish(ctx, event)
		default:
			return
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to marshal event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	stream := OutboundStream(r.config)
	args := &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.config.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if _, err := r.client.XAdd(ctx, args).Result(); err != nil {
		r.logger.Error("failed to add to stream",
			zap.String("stream", stream),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	r.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("stream", stream))
}

func (r *RedisRelay) readKernelEvents(ctx context.Context, stream string) {
	defer r.wg.Done()
	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.ConsumerGroup,
			Consumer: r.config.ConsumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()

		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			r.logger.Error("failed to read from stream", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(r.config.BlockTimeout):
			}
			continue
		}

		for _, s := range streams {
			for _, message := range s.Messages {
				r.processMessage(ctx, stream, message)
			}
		}
	}
}

// processMessage delivers one kernel event to the bus. Messages that cannot be
// decoded or are not kernel events are acknowledged and dropped.
func (r *RedisRelay) processMessage(ctx context.Context, stream string, message redis.XMessage) {
	defer func() {
		if err := r.client.XAck(ctx, stream, r.config.ConsumerGroup, message.ID).Err(); err != nil {
			r.logger.Error("failed to acknowledge message",
				zap.String("stream", stream),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}()

	data, ok := message.Values["data"].(string)
	if !ok {
		r.logger.Error("invalid message format",
			zap.String("stream", stream),
			zap.String("message_id", message.ID))
		return
	}

	var event events.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		r.logger.Error("failed to unmarshal event",
			zap.String("stream", stream),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if !events.IsKernelEvent(event.Type) {
		r.logger.Warn("ignoring non-kernel event",
			zap.String("message_id", message.ID),
			zap.String("type", event.Type))
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Source == "" {
		event.Source = "kernel"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.logger.Info("kernel event received",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("message_id", message.ID))
	r.bus.Deliver(event)
}
