package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/forgelabs/indexforge/internal/models"
)

// Redis key layout:
//
//	indexforge:queue:{q}     list of ready task ids
//	indexforge:processing:{q} list of claimed task ids
//	indexforge:delayed:{q}   zset id -> deliver-at unix
//	indexforge:claims:{q}    zset id -> claim deadline unix
//	indexforge:task:{id}     msgpack task body
const (
	keyQueue      = "indexforge:queue:"
	keyProcessing = "indexforge:processing:"
	keyDelayed    = "indexforge:delayed:"
	keyClaims     = "indexforge:claims:"
	keyTask       = "indexforge:task:"
)

// Redis is a Broker backed by Redis lists and sorted sets. A background
// janitor promotes due delayed tasks and reclaims expired claims, which
// gives crashed workers automatic redelivery.
type Redis struct {
	client     *redis.Client
	ackTimeout time.Duration
	retry      RetryPolicy

	// TerminalFunc, when set, receives tasks that failed terminally.
	TerminalFunc func(task *models.Task, reason string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisOptions tunes the Redis broker.
type RedisOptions struct {
	AckTimeout time.Duration
	Retry      RetryPolicy

	// JanitorInterval is how often delayed tasks and expired claims are
	// swept. Defaults to 1s.
	JanitorInterval time.Duration
}

// NewRedis creates a Redis broker and starts its janitor.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.Retry.Base <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:     client,
		ackTimeout: opts.AckTimeout,
		retry:      opts.Retry,
		cancel:     cancel,
	}
	r.wg.Add(1)
	go r.janitor(ctx, opts.JanitorInterval)
	return r
}

func (r *Redis) Enqueue(ctx context.Context, task *models.Task) (string, error) {
	if err := r.prepare(task); err != nil {
		return "", err
	}
	task.RunAt = time.Now().UTC()
	if err := r.storeTask(ctx, task); err != nil {
		return "", err
	}
	if err := r.client.LPush(ctx, keyQueue+task.Queue, task.ID).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	return task.ID, nil
}

func (r *Redis) Schedule(ctx context.Context, task *models.Task, runAt time.Time) (string, error) {
	if err := r.prepare(task); err != nil {
		return "", err
	}
	task.RunAt = runAt.UTC()
	if err := r.storeTask(ctx, task); err != nil {
		return "", err
	}
	z := redis.Z{Score: float64(runAt.Unix()), Member: task.ID}
	if err := r.client.ZAdd(ctx, keyDelayed+task.Queue, z).Err(); err != nil {
		return "", fmt.Errorf("schedule %s: %w", task.ID, err)
	}
	return task.ID, nil
}

func (r *Redis) prepare(task *models.Task) error {
	queue, err := Route(task.Type)
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.New().String()[:8]
	}
	task.Queue = queue
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	return nil
}

func (r *Redis) storeTask(ctx context.Context, task *models.Task) error {
	data, err := msgpack.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if err := r.client.Set(ctx, keyTask+task.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("store task %s: %w", task.ID, err)
	}
	return nil
}

func (r *Redis) loadTask(ctx context.Context, id string) (*models.Task, error) {
	data, err := r.client.Get(ctx, keyTask+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: body missing", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var task models.Task
	if err := msgpack.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &task, nil
}

func (r *Redis) Consume(ctx context.Context, queue string) (*Delivery, error) {
	for {
		id, err := r.client.BLMove(ctx, keyQueue+queue, keyProcessing+queue,
			"RIGHT", "LEFT", time.Second).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("consume %s: %w", queue, err)
		}

		task, err := r.loadTask(ctx, id)
		if err != nil {
			// Orphaned id with no body; drop it and keep consuming.
			slog.Warn("dropping orphaned task id", "task_id", id, "error", err)
			r.client.LRem(ctx, keyProcessing+queue, 1, id)
			continue
		}

		deadline := time.Now().Add(r.ackTimeout)
		z := redis.Z{Score: float64(deadline.Unix()), Member: id}
		if err := r.client.ZAdd(ctx, keyClaims+queue, z).Err(); err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		return r.delivery(task), nil
	}
}

func (r *Redis) delivery(task *models.Task) *Delivery {
	return &Delivery{
		Task: task,
		ack: func(ctx context.Context) error {
			return r.release(ctx, task, true)
		},
		nack: func(ctx context.Context, retryable bool, reason string) error {
			if err := r.release(ctx, task, true); err != nil {
				return err
			}
			return r.retryOrFail(ctx, task, retryable, reason)
		},
	}
}

// release removes the claim; deleteBody also drops the task body.
func (r *Redis) release(ctx context.Context, task *models.Task, deleteBody bool) error {
	pipe := r.client.Pipeline()
	pipe.LRem(ctx, keyProcessing+task.Queue, 1, task.ID)
	pipe.ZRem(ctx, keyClaims+task.Queue, task.ID)
	if deleteBody {
		pipe.Del(ctx, keyTask+task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release %s: %w", task.ID, err)
	}
	return nil
}

func (r *Redis) retryOrFail(ctx context.Context, task *models.Task, retryable bool, reason string) error {
	if retryable && task.Retries < r.retry.MaxRetries {
		task.Retries++
		delay := r.retry.Delay(task.Retries)
		slog.Info("task retry scheduled", "task_id", task.ID, "type", task.Type,
			"attempt", task.Retries, "delay", delay, "reason", reason)
		_, err := r.Schedule(ctx, task, time.Now().Add(delay))
		return err
	}

	slog.Error("task failed terminally", "task_id", task.ID, "type", task.Type,
		"retries", task.Retries, "reason", reason)
	if r.TerminalFunc != nil {
		r.TerminalFunc(task, reason)
	}
	return nil
}

// janitor promotes due delayed tasks to their ready lists and requeues
// claims whose ack deadline passed (crashed workers).
func (r *Redis) janitor(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := strconv.FormatInt(time.Now().Unix(), 10)
		for _, queue := range Queues {
			r.promoteDue(ctx, keyDelayed+queue, keyQueue+queue, now)
			r.reclaimExpired(ctx, queue, now)
		}
	}
}

func (r *Redis) promoteDue(ctx context.Context, delayedKey, queueKey, now string) {
	ids, err := r.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey, id)
		pipe.LPush(ctx, queueKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to promote delayed tasks", "error", err)
	}
}

func (r *Redis) reclaimExpired(ctx context.Context, queue, now string) {
	ids, err := r.client.ZRangeByScore(ctx, keyClaims+queue, &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keyClaims+queue, id)
		pipe.LRem(ctx, keyProcessing+queue, 1, id)
		pipe.LPush(ctx, keyQueue+queue, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to reclaim expired tasks", "error", err)
		return
	}
	for _, id := range ids {
		slog.Warn("task redelivered after ack timeout", "task_id", id, "queue", queue)
	}
}

func (r *Redis) QueueDepth(ctx context.Context, queue string) (int64, error) {
	ready, err := r.client.LLen(ctx, keyQueue+queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", queue, err)
	}
	delayed, err := r.client.ZCard(ctx, keyDelayed+queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth %s: %w", queue, err)
	}
	return ready + delayed, nil
}

func (r *Redis) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

var _ Broker = (*Redis)(nil)
