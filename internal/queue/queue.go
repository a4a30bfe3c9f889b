// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Substrate is the four-named-queue FIFO job store backed by Redis lists,
// with a per-job stored payload and a depends_on chaining mechanism.
//
// Key layout:
//   jobqueue:<queue>                 - the FIFO list (RPUSH producer side, BLPOP consumer side)
//   jobqueue:job:<job_id>            - the job payload (including meta), for GetJob after dequeue
//   jobqueue:pending:<predecessor>   - list of job ids waiting on predecessor to succeed
type Substrate struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Substrate {
	return &Substrate{rdb: rdb}
}

// EnqueueOpts configures a single Enqueue call.
type EnqueueOpts struct {
	Timeout   time.Duration
	DependsOn string
	Meta      map[string]any
}

func queueKey(name string) string { return QueueKey(name) }

// QueueKey returns the Redis list key backing a named queue, exported so
// observability code can sample queue depth without duplicating the
// key layout.
func QueueKey(name string) string { return "jobqueue:" + name }
func jobKey(id string) string     { return "jobqueue:job:" + id }
func pendingKey(predecessor string) string {
	return "jobqueue:pending:" + predecessor
}

// Enqueue creates a job and pushes it onto the named queue, unless
// DependsOn is set, in which case the job is parked until its
// predecessor completes (see MarkSucceeded/MarkFailed).
func (s *Substrate) Enqueue(ctx context.Context, queueName, funcName string, args map[string]any, opts EnqueueOpts) (string, error) {
	j := NewJob(queueName, funcName, args)
	if opts.Timeout > 0 {
		j.TimeoutMS = opts.Timeout.Milliseconds()
	}
	if opts.Meta != nil {
		j.Meta = opts.Meta
	}
	j.DependsOn = opts.DependsOn

	payload, err := j.Marshal()
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, jobKey(j.ID), payload, 24*time.Hour).Err(); err != nil {
		return "", err
	}

	if opts.DependsOn != "" {
		if err := s.rdb.RPush(ctx, pendingKey(opts.DependsOn), j.ID).Err(); err != nil {
			return "", err
		}
		return j.ID, nil
	}
	if err := s.rdb.RPush(ctx, queueKey(queueName), payload).Err(); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Dequeue blocks (up to timeout) for the next job on any of the given
// queues, in priority order, and returns the decoded job plus the Redis
// list key it came from ("jobqueue:<queue>").
func (s *Substrate) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (Job, string, error) {
	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		keys = append(keys, queueKey(q))
	}
	res, err := s.rdb.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return Job{}, "", redis.Nil
	}
	if err != nil {
		return Job{}, "", err
	}
	// BLPop returns [key, value]
	srcKey, payload := res[0], res[1]
	j, err := UnmarshalJob(payload)
	if err != nil {
		return Job{}, "", fmt.Errorf("unmarshal job: %w", err)
	}
	return j, srcKey, nil
}

// SaveMeta persists a job's meta map, overwriting what is stored.
func (s *Substrate) SaveMeta(ctx context.Context, job Job) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(job.ID), payload, 24*time.Hour).Err()
}

// GetJob fetches a job's last-known payload by id.
func (s *Substrate) GetJob(ctx context.Context, id string) (Job, error) {
	payload, err := s.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return Job{}, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return Job{}, err
	}
	return UnmarshalJob(payload)
}

// MarkSucceeded releases every job waiting on predecessorID onto its
// destination queue. Must be called after the predecessor's handler
// returns successfully.
func (s *Substrate) MarkSucceeded(ctx context.Context, predecessorID string) error {
	key := pendingKey(predecessorID)
	for {
		id, err := s.rdb.LPop(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		payload, err := j.Marshal()
		if err != nil {
			continue
		}
		if err := s.rdb.RPush(ctx, queueKey(j.Queue), payload).Err(); err != nil {
			return err
		}
	}
}

// MarkFailed drops every job waiting on predecessorID. The core never
// relies on this being observed synchronously by the dependent job;
// it simply never runs.
func (s *Substrate) MarkFailed(ctx context.Context, predecessorID string) error {
	return s.rdb.Del(ctx, pendingKey(predecessorID)).Err()
}

// QueueLength returns the number of jobs currently queued (not
// in-flight) on the named queue.
func (s *Substrate) QueueLength(ctx context.Context, queueName string) (int64, error) {
	return s.rdb.LLen(ctx, queueKey(queueName)).Result()
}

// ListQueued returns up to limit job ids currently sitting on queueName
// without removing them, for introspection endpoints.
func (s *Substrate) ListQueued(ctx context.Context, queueName string, limit int64) ([]string, error) {
	payloads, err := s.rdb.LRange(ctx, queueKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		j, err := UnmarshalJob(p)
		if err != nil {
			continue
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}
