package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/ehos/registry"
	"github.com/gammadia/ehos/scheduler"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Address of the redis server, host:port
	Addr string
	// Redis database number
	DB int
	// Prefix of every key used by the queue
	Prefix string
}

// Redis is a job queue kept in a redis server.
//
// Jobs waiting for a worker are in the list <prefix>:jobs:idle, jobs being
// run are in the set <prefix>:jobs:running and workers report their status
// in the hash <prefix>:workers.
type Redis struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// Redis implements scheduler.Queue
var _ scheduler.Queue = (*Redis)(nil)

// ErrNoJob is returned by Claim when no job is waiting.
var ErrNoJob = errors.New("no job waiting")

// claimScript moves the oldest idle job to the running set and marks the worker busy
var claimScript = redis.NewScript(`
local job = redis.call("RPOP", KEYS[1])
if not job then
	return false
end
redis.call("SADD", KEYS[2], job)
redis.call("HSET", KEYS[3], ARGV[1], "busy")
return job
`)

func New(ctx context.Context, config Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: config.Addr, DB: config.DB})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, config), nil
}

func NewFromClient(client *redis.Client, config Config) *Redis {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Prefix == "" {
		config.Prefix = "ehos"
	}

	return &Redis{
		client: client,
		prefix: config.Prefix,
		log:    config.Logger,
	}
}

func (q *Redis) Close() error {
	return q.client.Close()
}

func (q *Redis) idleKey() string    { return q.prefix + ":jobs:idle" }
func (q *Redis) runningKey() string { return q.prefix + ":jobs:running" }
func (q *Redis) workersKey() string { return q.prefix + ":workers" }

func (q *Redis) JobCounts(ctx context.Context) (scheduler.JobCounts, error) {
	var idle, running *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		idle = pipe.LLen(ctx, q.idleKey())
		running = pipe.SCard(ctx, q.runningKey())
		return nil
	})
	if err != nil {
		return scheduler.JobCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := scheduler.JobCounts{
		Idle:  int(idle.Val()),
		Total: int(idle.Val() + running.Val()),
	}
	q.log.Debug("Counted jobs", "idle", counts.Idle, "total", counts.Total)
	return counts, nil
}

// NodeCounts counts the workers registered with the queue. Workers in a busy
// status count towards the total only, unknown statuses are ignored.
func (q *Redis) NodeCounts(ctx context.Context) (scheduler.QueueNodeCounts, error) {
	statuses, err := q.WorkerStatuses(ctx)
	if err != nil {
		return scheduler.QueueNodeCounts{}, err
	}

	var counts scheduler.QueueNodeCounts
	for _, status := range statuses {
		switch {
		case status == registry.StatusIdle:
			counts.Idle += 1
			counts.Total += 1
		case status.Busy():
			counts.Total += 1
		}
	}

	return counts, nil
}

func (q *Redis) WorkerStatuses(ctx context.Context) (map[string]registry.Status, error) {
	raw, err := q.client.HGetAll(ctx, q.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker statuses: %w", err)
	}

	statuses := make(map[string]registry.Status, len(raw))
	for worker, status := range raw {
		statuses[worker] = registry.Status(status)
	}
	return statuses, nil
}

// Enqueue adds a job at the head of the idle list.
func (q *Redis) Enqueue(ctx context.Context, job string) error {
	if err := q.client.LPush(ctx, q.idleKey(), job).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job '%s': %w", job, err)
	}

	q.log.Debug("Enqueued job", "job", job)
	return nil
}

// Claim hands the oldest idle job to a worker, which becomes busy.
func (q *Redis) Claim(ctx context.Context, worker string) (string, error) {
	job, err := claimScript.Run(ctx, q.client, []string{q.idleKey(), q.runningKey(), q.workersKey()}, worker).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoJob
	} else if err != nil {
		return "", fmt.Errorf("failed to claim a job for worker '%s': %w", worker, err)
	}

	q.log.Debug("Claimed job", "job", job, "worker", worker)
	return job, nil
}

// Complete removes a running job and makes the worker idle again.
func (q *Redis) Complete(ctx context.Context, worker, job string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, q.runningKey(), job)
		pipe.HSet(ctx, q.workersKey(), worker, string(registry.StatusIdle))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job '%s': %w", job, err)
	}

	q.log.Debug("Completed job", "job", job, "worker", worker)
	return nil
}

func (q *Redis) SetWorkerStatus(ctx context.Context, worker string, status registry.Status) error {
	if err := status.Validate(); err != nil {
		return err
	}

	if err := q.client.HSet(ctx, q.workersKey(), worker, string(status)).Err(); err != nil {
		return fmt.Errorf("failed to set status of worker '%s': %w", worker, err)
	}
	return nil
}

// RemoveWorker forgets a worker, typically once its node is deleted.
func (q *Redis) RemoveWorker(ctx context.Context, worker string) error {
	if err := q.client.HDel(ctx, q.workersKey(), worker).Err(); err != nil {
		return fmt.Errorf("failed to remove worker '%s': %w", worker, err)
	}
	return nil
}
