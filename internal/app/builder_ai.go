package app

import (
	"fmt"

	"scalpctl/internal/config"
	"scalpctl/internal/engine"
	"scalpctl/internal/gateway/oracle"
	"scalpctl/internal/logger"
	"scalpctl/internal/pkg/circuit"
)

type judgeSetup struct {
	Name   string
	Judge  oracle.Judge
	Market engine.MarketSetter
}

// buildJudge 按配置选择 LLM oracle 或纯规则判定。
func buildJudge(cfg *config.Config) (judgeSetup, error) {
	oc := cfg.Oracle
	if !oc.Enabled {
		logger.Warnf("oracle 已关闭，使用规则判定（score >= %.0f 即 BUY）", oc.PrefilterScore)
		return judgeSetup{Name: "rules", Judge: oracle.RuleJudge{MinScore: oc.PrefilterScore}}, nil
	}
	prompts := oracle.NewPrompts(oc.PromptDir)
	if err := prompts.Load(); err != nil {
		return judgeSetup{}, fmt.Errorf("加载 oracle 模板失败: %w", err)
	}
	client := oracle.NewChatClient(oc.BaseURL, oc.APIKey, oc.Model, oc.Timeout(), oc.MaxRetries)
	breaker := circuit.NewCircuitBreaker("oracle", oc.BreakerThreshold, seconds(oc.BreakerCooldownSeconds))
	o := oracle.New(oracle.Config{
		Model:       oc.Model,
		Timeout:     oc.Timeout(),
		Concurrency: oc.Concurrency,
	}, client, prompts, breaker)
	logger.Infof("✓ oracle model=%s concurrency=%d prefilter=%.0f", oc.Model, oc.Concurrency, oc.PrefilterScore)
	return judgeSetup{Name: oc.Model, Judge: o, Market: o}, nil
}
