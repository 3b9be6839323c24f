package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendcore/config"
	"lendcore/core/events"
	"lendcore/core/state"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
	"lendcore/native/margin"
	"lendcore/native/risk"
	"lendcore/observability"
	"lendcore/observability/logging"
	"lendcore/observability/metrics"
	"lendcore/storage"
)

const accrualInterval = 15 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	service := cfg.Service
	if service == "" {
		service = "lendcored"
	}
	logger := logging.Setup(service, cfg.Env, cfg.LogLevel)

	var db storage.Database
	if strings.TrimSpace(cfg.DataDir) == "" {
		logger.Warn("no data directory configured, state will not persist")
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		db = leveldb
	}
	defer db.Close()

	node, err := buildNode(cfg, state.NewManager(db), logger)
	if err != nil {
		logger.Error("failed to assemble engines", slog.Any("error", err))
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("serving metrics", slog.String("address", cfg.MetricsAddress))
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	ticker := time.NewTicker(accrualInterval)
	defer ticker.Stop()
	logger.Info("node started", slog.Int("markets", len(node.markets)))
	for {
		select {
		case <-ticker.C:
			node.accrueAll(logger)
		case sig := <-stop:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			return
		}
	}
}

// node bundles the wired engines for the running daemon.
type node struct {
	markets map[string]*lending.Engine
	risk    *risk.Engine
	margin  *margin.Controller
}

func buildNode(cfg *config.Config, manager *state.Manager, logger *slog.Logger) (*node, error) {
	emitter := observability.NewMetricsEmitter(logEmitter{logger: logger})

	riskEngine := risk.NewEngine()
	riskEngine.SetState(manager)
	riskEngine.SetEmitter(emitter)
	if cfg.Admin != "" {
		riskEngine.SetAdmin(common.HexToAddress(cfg.Admin))
	}
	if cfg.Guardian != "" {
		riskEngine.SetGuardian(common.HexToAddress(cfg.Guardian))
	}
	if cfg.ReserveRecipient != "" {
		riskEngine.SetReserveRecipient(common.HexToAddress(cfg.ReserveRecipient))
	}
	if cfg.Risk.CloseFactor != 0 {
		if err := riskEngine.SetCloseFactor(cfg.Risk.CloseFactor); err != nil {
			return nil, err
		}
	}
	if cfg.Risk.LiquidationIncentive != 0 {
		if err := riskEngine.SetLiquidationIncentive(cfg.Risk.LiquidationIncentive); err != nil {
			return nil, err
		}
	}
	if cfg.Risk.LiquidationFee != 0 {
		if err := riskEngine.SetLiquidationFee(cfg.Risk.LiquidationFee); err != nil {
			return nil, err
		}
	}
	if cfg.Risk.OracleMaxAgeMult != 0 {
		riskEngine.SetMaxAgeMultiplier(cfg.Risk.OracleMaxAgeMult)
	}
	if cfg.Rewards.Token != "" {
		if err := manager.RegisterToken(cfg.Rewards.Token, cfg.Rewards.Token, 18); err != nil {
			return nil, err
		}
		riskEngine.SetRewardMinter(state.NewRewardToken(manager, cfg.Rewards.Token))
	}

	marginController := margin.NewController()
	marginController.SetState(manager)
	marginController.SetRisk(riskEngine)
	marginController.SetEmitter(emitter)
	if err := marginController.SetMaxLeverage(cfg.Margin.MaxLeverage); err != nil {
		return nil, err
	}
	if cfg.Margin.MaxOpensPerEpoch != 0 || cfg.Margin.MaxNotionalPerTerm != 0 {
		marginController.SetOpenQuota(nativecommon.Quota{
			MaxRequestsPerMin:   cfg.Margin.MaxOpensPerEpoch,
			MaxNotionalPerEpoch: cfg.Margin.MaxNotionalPerTerm,
			EpochSeconds:        cfg.Margin.EpochSeconds,
		})
	}

	markets := make(map[string]*lending.Engine, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		engine, err := buildMarket(cfg, mc, manager, riskEngine, emitter)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.Asset, err)
		}
		if err := riskEngine.ListMarket(engine, mc.CollateralFactor); err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.Asset, err)
		}
		if err := marginController.RegisterMarket(engine); err != nil {
			return nil, fmt.Errorf("market %s: %w", mc.Asset, err)
		}
		if mc.FallbackPrice != 0 {
			riskEngine.SetFallbackPrice(mc.Asset, new(big.Int).SetUint64(mc.FallbackPrice), big.NewInt(1_000_000))
		}
		markets[engine.Asset()] = engine
	}

	return &node{markets: markets, risk: riskEngine, margin: marginController}, nil
}

func buildMarket(cfg *config.Config, mc config.MarketConfig, manager *state.Manager, riskEngine *risk.Engine, emitter events.Emitter) (*lending.Engine, error) {
	if err := manager.RegisterToken(mc.Asset, mc.Asset, 18); err != nil {
		return nil, err
	}
	engine := lending.NewEngine(mc.Asset)
	engine.SetState(manager)
	engine.SetLedger(manager)
	engine.SetRiskOracle(riskEngine)
	engine.SetEmitter(emitter)
	if cfg.Admin != "" {
		engine.SetAdmin(common.HexToAddress(cfg.Admin))
	}
	if err := engine.SetCollateralFactor(mc.CollateralFactor); err != nil {
		return nil, err
	}
	if err := engine.SetReserveFactor(mc.ReserveFactor); err != nil {
		return nil, err
	}
	if err := engine.SetAdminFeeFactor(mc.AdminFeeFactor); err != nil {
		return nil, err
	}
	if err := engine.SetFlashLoanFee(mc.FlashLoanFee); err != nil {
		return nil, err
	}
	if mc.SupplyCap != 0 {
		if err := engine.SetSupplyCap(new(big.Int).SetUint64(mc.SupplyCap)); err != nil {
			return nil, err
		}
	}
	if mc.BorrowCap != 0 {
		if err := engine.SetBorrowCap(new(big.Int).SetUint64(mc.BorrowCap)); err != nil {
			return nil, err
		}
	}
	if rm := mc.RateModel; rm != nil {
		model, err := lending.NewJumpRateModel(rm.BaseRate, rm.Multiplier, rm.Jump, rm.Kink)
		if err != nil {
			return nil, err
		}
		engine.SetRateModel(model)
	} else if err := engine.SetYearlyRates(mc.SupplyYearlyRate, mc.BorrowYearlyRate); err != nil {
		return nil, err
	}
	return engine, nil
}

func (n *node) accrueAll(logger *slog.Logger) {
	for asset, engine := range n.markets {
		if err := engine.AccrueInterest(); err != nil {
			logger.Warn("interest accrual failed", slog.String("asset", asset), slog.Any("error", err))
			continue
		}
		n.publishGauges(asset, engine)
	}
}

// publishGauges refreshes the per-market utilization and borrow gauges after
// an accrual pass.
func (n *node) publishGauges(asset string, engine *lending.Engine) {
	borrows, err := engine.TotalBorrows()
	if err != nil {
		return
	}
	cash, err := engine.AvailableLiquidity()
	if err != nil {
		return
	}
	var utilization uint64
	denom := new(big.Int).Add(cash, borrows)
	if denom.Sign() > 0 {
		ratio := new(big.Int).Mul(borrows, big.NewInt(1_000_000))
		utilization = ratio.Quo(ratio, denom).Uint64()
	}
	metrics.Lending().SetMarketGauges(asset, utilization, borrows)
}

// logEmitter mirrors every engine event into the structured log stream.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if l.logger == nil {
		return
	}
	l.logger.Info("event", slog.String("type", evt.EventType()))
}
