package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"scalpctl/internal/scheduler"
	"scalpctl/internal/strategy/exit"
	"scalpctl/internal/strategy/mode"
	"scalpctl/internal/strategy/score"
)

type StartupSummary struct {
	Env       string
	Broker    string
	Market    string
	Judge     string
	Symbols   []string
	Index     string
	Session   scheduler.Session
	Mode      mode.Mode
	Exit      exit.Params
	MaxOpen   int
	SizeUSD   float64
	AdminAddr string
	StatePath string
	Journal   string
}

func (s *StartupSummary) Print() { s.WriteTo(os.Stdout) }

func (s *StartupSummary) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[交易通道 (VENUE)]\n")
	fmt.Fprintf(&b, "  环境: %s\n", s.Env)
	fmt.Fprintf(&b, "  Broker: %s  行情: %s  判定: %s\n", s.Broker, s.Market, s.Judge)
	fmt.Fprintf(&b, "  管理接口: %s\n", s.AdminAddr)
	b.WriteString("\n")

	b.WriteString("[交易时段 (SESSION)]\n")
	fmt.Fprintf(&b, "  时区: %s\n", s.Session.Loc)
	fmt.Fprintf(&b, "  开盘 %s / 强平 %s / 收盘 %s\n", clock(s.Session.Open), clock(s.Session.Cutoff), clock(s.Session.Close))
	b.WriteString("\n")

	b.WriteString("[标的 (UNIVERSE)]\n")
	fmt.Fprintf(&b, "  股票(%d): %s\n", len(s.Symbols), formatList(s.Symbols))
	fmt.Fprintf(&b, "  指数: %s\n", s.Index)
	b.WriteString("\n")

	b.WriteString("[风控 (RISK)]\n")
	fmt.Fprintf(&b, "  模式: %s (min_score=%.0f, min_conf=%.2f)\n", s.Mode.Name, s.Mode.Threshold.MinScore, s.Mode.Threshold.MinConfidence)
	fmt.Fprintf(&b, "  最大持仓: %d  单笔: $%.0f\n", s.MaxOpen, s.SizeUSD)
	fmt.Fprintf(&b, "  止损: %.2f%%  追踪激活: %s\n", s.Exit.StopLossPct, s.Exit.ArmPolicy)
	for _, g := range []score.Grade{score.GradeS, score.GradeA, score.GradeB, score.GradeC} {
		fmt.Fprintf(&b, "    %s 级: 止盈 %.2f%% / 回撤 %.2f%%\n", g, s.Exit.Targets[g], s.Exit.Trailing[g])
	}
	b.WriteString("\n")

	b.WriteString("[存储 (STORAGE)]\n")
	fmt.Fprintf(&b, "  状态库: %s\n", s.StatePath)
	fmt.Fprintf(&b, "  决策日志: %s\n", s.Journal)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
