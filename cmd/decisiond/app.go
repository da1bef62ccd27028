package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/config"
	"github.com/ironmill-erp/decision-engine/internal/consensus"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/guard"
	"github.com/ironmill-erp/decision-engine/internal/ipc"
	"github.com/ironmill-erp/decision-engine/internal/natsbus"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
	"github.com/ironmill-erp/decision-engine/internal/orchestrator"
	"github.com/ironmill-erp/decision-engine/internal/postgres"
	"github.com/ironmill-erp/decision-engine/internal/protocol"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
	"github.com/ironmill-erp/decision-engine/internal/store"
	"github.com/ironmill-erp/decision-engine/internal/supervisor"
	"github.com/ironmill-erp/decision-engine/internal/telemetry"
)

// app is the fully wired engine.
type app struct {
	handler    *ipc.Handler
	orch       *orchestrator.Orchestrator
	supervisor *supervisor.Supervisor
	closers    []func()
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every component from cfg. On error, anything already opened
// is released.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	conversations, err := conversationStore(ctx, cfg, db, a)
	if err != nil {
		return nil, err
	}

	quota, err := resilience.NewQuotaCache()
	if err != nil {
		return nil, fmt.Errorf("create quota cache: %w", err)
	}
	a.closers = append(a.closers, quota.Close)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	events := store.NewEventLog(db)
	sinks := agent.MultiSink{events}
	if cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		sinks = append(sinks, pub)
	}

	g := guard.NewGuard(quota, guard.GuardConfig{
		OracleEnabled:      cfg.Oracle.Enabled,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})
	var decider oracle.Decider
	if cfg.Oracle.Enabled {
		decider = oracle.NewClient(oracle.Options{
			BaseURL:        cfg.Oracle.BaseURL,
			APIKey:         cfg.Oracle.APIKey,
			Model:          cfg.Oracle.Model,
			Timeout:        time.Duration(cfg.Oracle.TimeoutSec) * time.Second,
			DefaultBackoff: time.Duration(cfg.Oracle.DefaultBackoffSec) * time.Second,
			Quota:          quota,
		})
	}

	inventory := store.NewInventory(db)
	bus := agent.NewBus(
		agent.WithSink(sinks),
		agent.WithLogger(log),
		agent.WithMaxParallel(cfg.Consensus.MaxParallel),
	)
	for _, role := range domain.AllRoles {
		oa := agent.NewOracleAgent(role, agent.OracleAgentOptions{
			Decider:   decider,
			Guard:     g,
			Inventory: inventory,
			Logger:    log,
		})
		oa.SetPeers(bus)
		bus.Register(oa)
	}

	approvals := store.NewApprovals(db)
	audit := store.NewAuditLog(db)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
		MonitoringPeriod: time.Duration(cfg.Breaker.MonitoringPeriodSec) * time.Second,
	})

	proto := protocol.New(protocol.Options{
		Agents:      bus,
		Consensus:   consensus.NewEngine(tolerance(cfg.Consensus.Tolerance), cfg.Consensus.MaxParallel, log),
		Inventory:   inventory,
		Approvals:   approvals,
		Degradation: g,
		Metrics:     metrics,
		Logger:      log,
		Config: protocol.Config{
			Consensus: consensus.Options{
				MinApprovalRate:  cfg.Consensus.MinApprovalRate,
				RequireUnanimous: cfg.Consensus.RequireUnanimous,
				AllowConditional: cfg.AllowConditionalVotes(),
				MinConfidence:    cfg.Consensus.MinConfidence,
			},
			ApprovalTTL: time.Duration(cfg.Approval.ExpiryHours) * time.Hour,
			MaxParallel: cfg.Consensus.MaxParallel,
		},
	})

	a.orch = orchestrator.New(orchestrator.Options{
		Store:       conversations,
		Bus:         bus,
		Protocol:    proto,
		Breakers:    breakers,
		Degradation: g,
		Audit:       audit,
		Metrics:     metrics,
		Logger:      log,
	})

	a.supervisor = supervisor.New(quota, approvals, audit,
		supervisor.Config{IntervalSec: cfg.SweepIntervalSec}, log)

	a.handler = &ipc.Handler{
		Orchestrator: a.orch,
		Approvals:    approvals,
		Events:       events,
		Audit:        audit,
		Breakers:     breakers,
		Quota:        quota,
		Degradation:  g,
		Logger:       log,
	}
	return a, nil
}

// conversationStore returns the backend cfg.Store names.
func conversationStore(ctx context.Context, cfg *config.Config, db *sql.DB, a *app) (orchestrator.ConversationStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemoryConversations(), nil
	case config.StorePostgres:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return postgres.NewConversationStore(pool), nil
	case config.StoreSQLite:
		return store.NewConversations(db), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func tolerance(t config.Tolerance) consensus.TolerancePolicy {
	markers := t.MinorReasonMarkers
	if len(markers) == 0 {
		markers = consensus.DefaultMinorMarkers
	}
	return consensus.TolerancePolicy{
		OverrideMinApproval:          t.OverrideMinApproval,
		MaxOverriddenRejects:         t.MaxOverriddenRejects,
		ProductionLogMinApproval:     t.ProductionLogMinApproval,
		ProductionLogMaxMinorRejects: t.ProductionLogMaxMinorRejects,
		Dissent: consensus.DissentClassifier{
			MaxConfidence: t.MinorRejectMaxConfidence,
			Markers:       markers,
		},
	}
}
