package app

import (
	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/config"
	"github.com/alanyoungcy/hybridengine/internal/domain"
	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/metrics"
	"github.com/alanyoungcy/hybridengine/internal/platform/evm"
	"github.com/alanyoungcy/hybridengine/internal/routing"
	"github.com/alanyoungcy/hybridengine/internal/security"
	"github.com/alanyoungcy/hybridengine/internal/settlement"
	"github.com/shopspring/decimal"
)

// The functions below translate config sections into component configs.
// They are used both at startup and on every hot reload.

func pairSpecs(pairs []config.PairConfig) []domain.PairSpec {
	out := make([]domain.PairSpec, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, domain.PairSpec{
			Symbol:         p.Symbol,
			BaseDecimals:   int32(p.BaseDecimals),
			QuoteDecimals:  int32(p.QuoteDecimals),
			ReferencePrice: decimal.NewFromFloat(p.ReferencePrice),
			PoolAddress:    p.PoolAddress,
			BaseToken:      p.BaseToken,
			QuoteToken:     p.QuoteToken,
			FeeBps:         uint64(p.FeeBps),
		})
	}
	return out
}

func symbols(specs []domain.PairSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Symbol
	}
	return out
}

func paperPools(pairs []config.PairConfig, specs []domain.PairSpec) []evm.PaperPool {
	out := make([]evm.PaperPool, len(specs))
	for i, s := range specs {
		out[i] = evm.PaperPool{
			Spec:  s,
			Base:  decimal.NewFromFloat(pairs[i].PaperBaseReserve),
			Quote: decimal.NewFromFloat(pairs[i].PaperQuoteReserve),
		}
	}
	return out
}

func guardConfig(c config.SecurityConfig) security.Config {
	return security.Config{
		PerSecondLimit:         c.PerSecondLimit,
		PerMinuteLimit:         c.PerMinuteLimit,
		MaxNotionalPerMinute:   decimal.NewFromFloat(c.MaxNotionalPerMinute),
		BlockAfterViolations:   c.BlockAfterViolations,
		BlockDuration:          c.BlockDuration.Duration,
		MEVWindow:              c.MEVWindow.Duration,
		LargeOrderNotional:     decimal.NewFromFloat(c.LargeOrderNotional),
		ComparableSizeRatio:    decimal.NewFromFloat(c.ComparableSizeRatio),
		RequireConfirmation:    c.RequireConfirmation,
		MaxPriceImpact:         decimal.NewFromFloat(c.MaxPriceImpact),
		FlaggedImpactFactor:    decimal.NewFromFloat(c.FlaggedImpactFactor),
		ImpactPolicy:           security.ImpactPolicy(c.ImpactPolicy),
		DecisionBudget:         c.DecisionBudget.Duration,
		RiskHalfLife:           c.RiskHalfLife.Duration,
		FlagThreshold:          c.FlagThreshold,
		DistributedRateLimit:   c.DistributedRateLimit,
		DistributedPerSecondIP: c.DistributedPerSecondIP,
	}
}

func routerConfig(c config.RoutingConfig) routing.Config {
	return routing.Config{
		SmallSize:          decimal.NewFromFloat(c.SmallSize),
		LargeSize:          decimal.NewFromFloat(c.LargeSize),
		MaxBookSlippageBps: int64(c.MaxBookSlippageBp),
	}
}

func matchingConfig(c config.MatchingConfig) matching.Config {
	return matching.Config{
		SelfTrade:       matching.SelfTradePolicy(c.SelfTradePolicy),
		AutoResumeAfter: c.AutoResumeAfter.Duration,
	}
}

func execConfig(c config.AMMConfig) amm.ExecConfig {
	return amm.ExecConfig{
		SlippageToleranceBps: uint64(c.SlippageToleranceBps),
		SwapDeadline:         c.SwapDeadline.Duration,
	}
}

func queueConfig(c config.SettlementConfig) settlement.Config {
	return settlement.Config{
		Workers:           c.Workers,
		HighWaterMark:     c.HighWaterMark,
		MaxSubmitAttempts: c.MaxSubmitAttempts,
		SubmitBackoffBase: c.SubmitBackoffBase.Duration,
		SubmitBackoffMax:  c.SubmitBackoffMax.Duration,
		PollBase:          c.PollBase.Duration,
		PollMax:           c.PollMax.Duration,
		MaxWait:           c.MaxWait.Duration,
		CallTimeout:       c.CallTimeout.Duration,
	}
}

func metricsConfig(c config.MetricsConfig) metrics.Config {
	rules := make([]metrics.Rule, len(c.Alerts))
	for i, a := range c.Alerts {
		rules[i] = metrics.Rule{
			Name:      a.Name,
			Metric:    a.Metric,
			Component: a.Component,
			Op:        a.Op,
			Threshold: a.Threshold,
		}
	}
	return metrics.Config{
		Window:       c.Window.Duration,
		EvalInterval: c.EvalInterval.Duration,
		Cooldown:     c.Cooldown.Duration,
		Rules:        rules,
	}
}
