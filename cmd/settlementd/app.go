package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-inference-settlement/internal/api"
	"github.com/0gfoundation/0g-inference-settlement/internal/auth"
	"github.com/0gfoundation/0g-inference-settlement/internal/billing"
	"github.com/0gfoundation/0g-inference-settlement/internal/chains"
	"github.com/0gfoundation/0g-inference-settlement/internal/checkpoint"
	"github.com/0gfoundation/0g-inference-settlement/internal/config"
	"github.com/0gfoundation/0g-inference-settlement/internal/health"
	"github.com/0gfoundation/0g-inference-settlement/internal/ledger"
	"github.com/0gfoundation/0g-inference-settlement/internal/proof"
	"github.com/0gfoundation/0g-inference-settlement/internal/session"
	"github.com/0gfoundation/0g-inference-settlement/internal/settlement"
	"github.com/0gfoundation/0g-inference-settlement/internal/settler"
	"github.com/0gfoundation/0g-inference-settlement/internal/slash"
)

const eventRetention = 7 * 24 * time.Hour

// app is the fully wired node, without listeners.
type app struct {
	chains      *chains.Registry
	sessions    *session.Registry
	coordinator *settlement.Coordinator
	engine      *checkpoint.Engine
	queue       *settler.Queue
	lifecycle   *billing.EventHandler
	monitors    []*slash.Monitor
	health      *health.Server
	router      *gin.Engine
}

// buildApp wires every component. ledgers holds one client per configured chain.
func buildApp(cfg *config.Config, rdb *redis.Client, ledgers []*ledger.Client, key *ecdsa.PrivateKey, log *zap.Logger) (*app, error) {
	chainCfgs := make([]chains.Config, 0, len(ledgers))
	settleLedgers := make([]settlement.Ledger, 0, len(ledgers))
	for _, l := range ledgers {
		chainCfgs = append(chainCfgs, l.Config())
		settleLedgers = append(settleLedgers, l)
	}
	chainReg, err := chains.NewRegistry(chainCfgs...)
	if err != nil {
		return nil, fmt.Errorf("chain registry: %w", err)
	}

	a := &app{chains: chainReg}
	a.sessions = session.NewRegistry(chainReg, session.NewStore(rdb), cfg.Session.MaxSessions, log.Named("session"))

	var store proof.Store = proof.NewRedisStore(rdb, 0)
	if cfg.Proof.BridgeURL != "" {
		store = proof.NewBridgeClient(cfg.Proof.BridgeURL, cfg.Proof.BridgeToken)
	}
	a.coordinator = settlement.NewCoordinator(
		chainReg,
		a.sessions,
		settleLedgers,
		proof.NewPipeline(nil, store, key),
		settlement.NewRedisEventLog(rdb, eventRetention),
		settlement.Options{
			MinGasBalance:   cfg.MinGasBalance(),
			BalanceCacheTTL: cfg.Settlement.BalanceCacheTTL(),
		},
		log.Named("settlement"),
	)

	a.engine = checkpoint.NewEngine(checkpoint.Config{
		Threshold:       cfg.Checkpoint.Threshold,
		MinProvenTokens: cfg.Checkpoint.MinProvenTokens,
		SubmitTimeout:   cfg.Checkpoint.SubmitTimeout(),
		ReconcileWindow: cfg.Checkpoint.ReconcileWindow(),
	}, a.coordinator, checkpoint.NewRedisStore(rdb), log.Named("checkpoint"))

	a.queue = settler.NewQueue(rdb, settler.Backoff{}, cfg.Settlement.MaxAttempts, a.coordinator, log.Named("settler"))
	a.lifecycle = billing.NewEventHandler(a.sessions, a.engine, a.coordinator, a.queue, log.Named("billing"))

	host := crypto.PubkeyToAddress(key.PublicKey)
	var apiRisk []api.RiskSource
	var healthRisk []health.RiskSource
	for _, l := range ledgers {
		cc := l.Config()
		if !cc.Deployed() {
			log.Warn("node registry not configured, stake monitoring disabled", zap.Uint64("chain_id", cc.ChainID))
			continue
		}
		m := slash.NewMonitor(slash.Config{
			ChainID:       cc.ChainID,
			Registry:      cc.Contracts.NodeRegistry,
			Host:          host,
			PollInterval:  cfg.Slash.PollInterval(),
			MaxBlockRange: cfg.Slash.MaxBlockRange,
			StartBlock:    cfg.Slash.StartBlock,
		}, l, log.Named("slash"))
		a.monitors = append(a.monitors, m)
		apiRisk = append(apiRisk, m)
		healthRisk = append(healthRisk, m)
	}
	a.health = health.NewServer(healthRisk, log.Named("health"))

	deps := api.Deps{
		Lifecycle: a.lifecycle,
		Jobs:      a.engine,
		Sessions:  a.sessions,
		Events:    a.coordinator,
		Risk:      apiRisk,
	}
	operators := cfg.OperatorAddresses()
	if len(operators) == 0 {
		operators = append(operators, host)
	}
	deps.Operator = auth.NewVerifier(rdb, operators...).Middleware("checkpoint")

	a.router = gin.New()
	a.router.Use(gin.Recovery())
	api.NewHandler(deps, log.Named("api")).Register(a.router)
	return a, nil
}

// restore reloads persisted state and queues session ends that were
// interrupted by the last shutdown.
func (a *app) restore(ctx context.Context, log *zap.Logger) error {
	n, err := a.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	m, err := a.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore trackers: %w", err)
	}
	r := a.lifecycle.Redrive(ctx)
	log.Info("state restored", zap.Int("sessions", n), zap.Int("trackers", m), zap.Int("redriven", r))
	return nil
}
