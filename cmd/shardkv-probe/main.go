// Command shardkv-probe is a small diagnostic client: it loads a policy
// file, joins the cluster, issues a sample command against a key, and
// serves the read-only diagnostics API until interrupted.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shardkv/goclient/internal/api"
	"github.com/shardkv/goclient/internal/async"
	"github.com/shardkv/goclient/internal/auth"
	"github.com/shardkv/goclient/internal/batch"
	"github.com/shardkv/goclient/internal/cluster"
	"github.com/shardkv/goclient/internal/command"
	"github.com/shardkv/goclient/internal/config"
	"github.com/shardkv/goclient/internal/metrics"
	"github.com/shardkv/goclient/internal/recovery"
	"github.com/shardkv/goclient/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/shardkv-probe.yaml", "path to configuration file")
	namespace := flag.String("namespace", "test", "namespace to probe")
	probeKey := flag.String("key", "probe", "user key to hash and probe")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "seeds", len(cfg.Seeds))

	m := metrics.New()

	policy := cluster.Policy{
		TendInterval:       cfg.Policy.TendInterval(),
		LoginTimeout:       cfg.Policy.LoginTimeout(),
		InfoTimeout:        cfg.Policy.InfoTimeout(),
		ConnPoolsPerNode:   cfg.Policy.ConnPoolsPerNode,
		MinConnsPerNode:    cfg.Policy.MinConnsPerNode,
		MaxConnsPerNode:    cfg.Policy.MaxConnsPerNode,
		IdleTimeout:        cfg.Policy.IdleTimeout(),
		MaxConnLifetime:    cfg.Policy.MaxConnLifetime(),
		MaxErrorRate:       cfg.Policy.MaxErrorRate,
		RackAware:          cfg.Policy.RackAware,
		RackIDs:            cfg.Policy.RackIDs,
		FailIfNotConnected: cfg.Policy.FailIfNotConnected,
		InitialTimeout:     cfg.Policy.TotalTimeout(),
	}

	seeds := make([]cluster.Host, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		seeds = append(seeds, cluster.Host{Name: s.Host, Port: s.Port})
	}

	creds := auth.Credentials{Username: cfg.Auth.Username, Password: cfg.Auth.Password}
	hasher := auth.NewPBKDF2Hasher()

	cl := cluster.New(policy, seeds, creds, hasher, logger)
	cl.SetMetrics(m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := cl.Start(ctx); err != nil {
		cancel()
		logger.Error("cluster failed to start", "error", err)
		os.Exit(1)
	}
	cancel()
	logger.Info("cluster ready", "nodes", len(cl.Nodes()))

	apiServer := api.NewServer(cl, m, logger)
	if err := apiServer.Start(cfg.API.Bind, cfg.API.Port); err != nil {
		logger.Error("failed to start diagnostics API", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, logger, func(newCfg *config.Config) {
		logger.Info("policy file reloaded; the running cluster keeps its startup policy")
	})
	if err != nil {
		logger.Warn("config hot-reload not available", "error", err)
	}

	// drainer services any synchronous read that times out mid-response,
	// so a stalled socket can rejoin its pool instead of being torn down
	// and redialed.
	drainer := recovery.NewDrainer(50 * time.Millisecond)

	if err := probeOnce(cl, *namespace, *probeKey, drainer, m); err != nil {
		logger.Warn("sample probe command failed", "error", err)
	}
	if err := probeBatch(cl, *namespace, *probeKey, drainer, cfg, m); err != nil {
		logger.Warn("sample batch probe failed", "error", err)
	}
	if err := probeAsync(cl, *namespace, *probeKey, drainer, cfg, m, logger); err != nil {
		logger.Warn("sample async probe failed", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	drainer.Stop()
	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	cl.Close()
	logger.Info("shardkv-probe stopped")
}

// probeOnce issues one synchronous info-style echo command at the
// selected node for the given namespace/key, to exercise the command
// pipeline end to end on startup.
func probeOnce(cl *cluster.Cluster, namespace, rawKey string, drainer *recovery.Drainer, m *metrics.Collector) error {
	digest := sha256.Sum256([]byte(rawKey))
	key := cluster.Key{Namespace: namespace, Digest: digest}
	sel := &cluster.Selector{Policy: cluster.PolicyMasterProles}

	encode := func() []byte { return []byte("echo:probe\n") }
	decode := func(hdr wire.Header, body []byte) (any, error) {
		return string(body), nil
	}

	pol := command.Policy{
		MaxRetries:    2,
		TotalTimeout:  time.Second,
		SocketTimeout: 500 * time.Millisecond,
		Recovery:      drainer,
		RecoveryDelay: 250 * time.Millisecond,
		Metrics:       m,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := command.Execute(ctx, cl, namespace, key, sel, pol, encode, decode, wire.VersionInfo, wire.TypeInfo)
	if err != nil {
		return err
	}
	fmt.Printf("probe result: %v\n", result)
	return nil
}

// probeBatch spreads a handful of derived keys over the current topology
// and runs one sub-command per owning node, to exercise the batch
// planner and its per-node execution path.
func probeBatch(cl *cluster.Cluster, namespace, rawKey string, drainer *recovery.Drainer, cfg *config.Config, m *metrics.Collector) error {
	keys := make([]cluster.Key, 8)
	for i := range keys {
		digest := sha256.Sum256(fmt.Appendf(nil, "%s-%d", rawKey, i))
		keys[i] = cluster.Key{Namespace: namespace, Digest: digest}
	}
	sel := &cluster.Selector{Policy: cluster.PolicySequence}

	pol := batch.Policy{
		Command: command.Policy{
			TotalTimeout:  cfg.Policy.TotalTimeout(),
			SocketTimeout: cfg.Policy.SocketTimeout(),
			Recovery:      drainer,
			RecoveryDelay: 250 * time.Millisecond,
			MultiRecord:   true,
			Metrics:       m,
		},
		MaxRetries: cfg.Policy.MaxRetries,
	}

	encode := func(sc *batch.SubCommand) []byte {
		return fmt.Appendf(nil, "batch:%d\n", len(sc.Offsets))
	}
	decode := func(sc *batch.SubCommand, hdr wire.Header, body []byte) ([]batch.RowResult, error) {
		rows := make([]batch.RowResult, 0, len(sc.Offsets))
		for _, off := range sc.Offsets {
			rows = append(rows, batch.RowResult{Offset: off})
		}
		return rows, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, rowErr, err := batch.Execute(ctx, cl, namespace, keys, sel, pol, encode, decode, wire.VersionInfo, wire.TypeInfo)
	if err != nil {
		return err
	}
	if rowErr {
		m.BatchRowError()
	}
	fmt.Printf("batch probe: %d keys, row-error=%v\n", len(rows), rowErr)
	return nil
}

// probeAsync pushes a few commands through the async pipeline: a shared
// segmented buffer pool, the singleton timeout queue, and a DELAY-strategy
// scheduler sized from the policy file.
func probeAsync(cl *cluster.Cluster, namespace, rawKey string, drainer *recovery.Drainer, cfg *config.Config, m *metrics.Collector, logger *slog.Logger) error {
	bufPool := async.NewBufferPool(cfg.Policy.AsyncMaxCommands, 8192, 128*1024)
	tq := async.NewTimeoutQueue(5 * time.Millisecond)
	defer tq.Stop()
	sched := async.NewScheduler(async.StrategyDelay, cfg.Policy.AsyncMaxCommands, cfg.Policy.AsyncMaxQueued)

	const n = 4
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		digest := sha256.Sum256(fmt.Appendf(nil, "%s-async-%d", rawKey, i))
		key := cluster.Key{Namespace: namespace, Digest: digest}
		sel := &cluster.Selector{Policy: cluster.PolicySequence}

		done := make(chan struct{})
		listener := &probeListener{logger: logger, done: done, record: func(err error) {
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}}

		cmd := async.NewCommand(cl, bufPool, namespace, key, sel, listener,
			func() []byte { return []byte("echo:async\n") },
			func(hdr wire.Header, body []byte) (any, error) { return string(body), nil },
			cfg.Policy.TotalTimeout(), cfg.Policy.SocketTimeout(), cfg.Policy.MaxRetries,
			false, wire.VersionInfo, wire.TypeInfo).
			WithRecovery(drainer, 250*time.Millisecond, false)

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sched.Admit(context.Background(), func() {
				m.SetAsyncStats(sched.InFlight(), sched.Queued())
				cmd.Submit(tq)
				<-done // the slot is held until the command's terminator fires
			})
			if err != nil {
				if errors.Is(err, async.ErrCommandRejected) {
					m.AsyncRejected()
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	m.SetAsyncStats(sched.InFlight(), sched.Queued())
	return firstErr
}

// probeListener is the probe's terminal sink for async commands.
type probeListener struct {
	async.DefaultListener
	logger *slog.Logger
	done   chan struct{}
	record func(error)
}

func (l *probeListener) OnSuccess(result any) {
	l.logger.Info("async probe succeeded", "result", result)
	l.record(nil)
	close(l.done)
}

func (l *probeListener) OnFailure(err error, state async.State) {
	l.logger.Warn("async probe failed", "state", state.String(), "error", err)
	l.record(err)
	close(l.done)
}
