// Copyright 2025 James Ross
package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/jobindex"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Redis.Addr = addr
	cfg.Reaper.JobTTL = time.Hour
	return cfg
}

func TestReaperRequeuesAbandonedProcessingList(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig(t, mr.Addr())
	log, _ := zap.NewDevelopment()
	qa := queueadapter.New(cfg, rdb, log)
	idx := jobindex.New()
	rep := New(cfg, qa, idx, log)

	ctx := context.Background()
	queueName := cfg.Stages.Queues["research"]

	// Simulate a consumer that dequeued but died before deleting: a
	// payload sits in its processing list with no heartbeat key.
	procList := "dead-consumer:processing:" + queueName
	require.NoError(t, rdb.LPush(ctx, procList, `{"job_id":"j1"}`).Err())

	rep.recoverAbandoned(ctx)

	n, err := rdb.LLen(ctx, queueName).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	remaining, err := rdb.LLen(ctx, procList).Result()
	require.NoError(t, err)
	require.EqualValues(t, 0, remaining)
}

func TestReaperSkipsListsOfAliveConsumers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig(t, mr.Addr())
	log, _ := zap.NewDevelopment()
	qa := queueadapter.New(cfg, rdb, log)
	idx := jobindex.New()
	rep := New(cfg, qa, idx, log)

	ctx := context.Background()
	queueName := cfg.Stages.Queues["research"]

	procList := "alive-consumer:processing:" + queueName
	require.NoError(t, rdb.LPush(ctx, procList, `{"job_id":"j1"}`).Err())
	require.NoError(t, qa.Heartbeat(ctx, "alive-consumer"))

	rep.recoverAbandoned(ctx)

	remaining, err := rdb.LLen(ctx, procList).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining, "processing list of a live consumer must not be touched")
}

func TestReaperEvictsTerminalJobsPastTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig(t, mr.Addr())
	cfg.Reaper.JobTTL = time.Millisecond
	log, _ := zap.NewDevelopment()
	qa := queueadapter.New(cfg, rdb, log)
	idx := jobindex.New()
	rep := New(cfg, qa, idx, log)

	_, err = idx.Create("old-job", pipeline.Brief{Product: "p", Audience: "a"})
	require.NoError(t, err)
	for _, stage := range pipeline.CanonicalOrder {
		_, _, err := idx.MarkStageComplete("old-job", stage)
		require.NoError(t, err)
	}
	time.Sleep(2 * time.Millisecond)

	rep.sweepOnce(context.Background())

	_, err = idx.Lookup("old-job")
	require.Error(t, err, "terminal job older than JobTTL should have been reaped")
}
