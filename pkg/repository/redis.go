package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

const (
	tasksKey  = "tasks"
	groupsKey = "task_groups"
)

func resultKey(id string) string {
	return fmt.Sprintf("result:%s", id)
}

// updateScript replaces a known record and its separately stored result atomically.
var updateScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	if ARGV[3] == '' then
		redis.call('DEL', KEYS[2])
	else
		redis.call('SET', KEYS[2], ARGV[3])
	end
	return 1
`)

// Redis stores records in the "tasks" hash and groups in "task_groups". Results
// live under "result:{id}" to keep the hot record small.
type Redis struct {
	rdb      *redis.Client
	scanSize int64
}

// NewRedis wraps an existing client. Close closes it.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, scanSize: 100}
}

func (r *Redis) Insert(ctx context.Context, task *tasks.Task, group tasks.Group) error {
	record, result, err := encodeRecord(task)
	if err != nil {
		return err
	}
	ok, err := r.rdb.HSetNX(ctx, tasksKey, task.ID, record).Result()
	if err != nil {
		return fmt.Errorf("insert %s: %w", task.ID, err)
	}
	if !ok {
		return fmt.Errorf("insert %s: %w", task.ID, tasks.ErrTaskAlreadyExists)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, groupsKey, task.ID, string(group))
	if result != "" {
		pipe.Set(ctx, resultKey(task.ID), result, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert %s: %w", task.ID, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, task *tasks.Task) error {
	record, result, err := encodeRecord(task)
	if err != nil {
		return err
	}
	n, err := updateScript.Run(ctx, r.rdb, []string{tasksKey, resultKey(task.ID)}, task.ID, record, result).Int()
	if err != nil {
		return fmt.Errorf("update %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", task.ID, tasks.ErrUnknownTask)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*tasks.Task, error) {
	raw, err := r.rdb.HGet(ctx, tasksKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get %s: %w", id, tasks.ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return r.decode(ctx, raw)
}

func (r *Redis) Group(ctx context.Context, id string) (tasks.Group, error) {
	g, err := r.rdb.HGet(ctx, groupsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("group of %s: %w", id, tasks.ErrUnknownTask)
	}
	if err != nil {
		return "", fmt.Errorf("group of %s: %w", id, err)
	}
	return tasks.Group(g), nil
}

func (r *Redis) Delete(ctx context.Context, id string) (*tasks.Task, error) {
	task, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, tasksKey, id)
	pipe.HDel(ctx, groupsKey, id)
	pipe.Del(ctx, resultKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("delete %s: %w", id, err)
	}
	return task, nil
}

// List scans the hash and filters client-side. Results are only loaded for
// matching records.
func (r *Redis) List(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	matcher, err := filters.Matcher()
	if err != nil {
		return failed(err)
	}
	return func(yield func(*tasks.Task, error) bool) {
		var cursor uint64
		for {
			kvs, next, err := r.rdb.HScan(ctx, tasksKey, cursor, "", r.scanSize).Result()
			if err != nil {
				yield(nil, fmt.Errorf("scan tasks: %w", err))
				return
			}
			for i := 1; i < len(kvs); i += 2 {
				var t tasks.Task
				if err := json.Unmarshal([]byte(kvs[i]), &t); err != nil {
					if !yield(nil, fmt.Errorf("decode task %s: %w", kvs[i-1], err)) {
						return
					}
					continue
				}
				if !matcher.Match(&t) {
					continue
				}
				if err := r.loadResult(ctx, &t); err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if !yield(&t, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (r *Redis) DeleteAll(ctx context.Context) error {
	ids, err := r.rdb.HKeys(ctx, tasksKey).Result()
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, resultKey(id))
	}
	pipe.Del(ctx, tasksKey, groupsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) decode(ctx context.Context, raw string) (*tasks.Task, error) {
	var t tasks.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if err := r.loadResult(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Redis) loadResult(ctx context.Context, t *tasks.Task) error {
	if t.State != tasks.StateDone {
		return nil
	}
	raw, err := r.rdb.Get(ctx, resultKey(t.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get result of %s: %w", t.ID, err)
	}
	var res tasks.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return fmt.Errorf("decode result of %s: %w", t.ID, err)
	}
	t.Result = &res
	return nil
}

// encodeRecord splits a task into its hash record (without result) and its result.
func encodeRecord(task *tasks.Task) (record string, result string, err error) {
	stripped := *task
	stripped.Result = nil
	data, err := json.Marshal(&stripped)
	if err != nil {
		return "", "", fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	if task.Result != nil {
		r, err := json.Marshal(task.Result)
		if err != nil {
			return "", "", fmt.Errorf("encode result of %s: %w", task.ID, err)
		}
		result = string(r)
	}
	return string(data), result, nil
}
