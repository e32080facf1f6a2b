package notifier

import (
	"fmt"
	"strings"
	"time"

	"scalpctl/internal/safety"
	"scalpctl/internal/trader"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的推送（成交、熔断、日报）。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，自动裁剪长度。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(strings.TrimSpace(m.Icon + " " + m.Title))
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	hasContent := false
	for _, sec := range secs {
		if len(sanitizeLines(sec.Lines)) > 0 {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for idx, sec := range secs {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		title := strings.TrimSpace(sec.Title)
		if title != "" {
			b.WriteString(sanitize(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		if idx != len(secs)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("```\n\n")
	return b.String()
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "```", "'''")
	return s
}

// TradeClosed 平仓通知
func TradeClosed(t trader.Trade) StructuredMessage {
	icon := "✅"
	if t.PnL.IsNegative() {
		icon = "🔻"
	}
	return StructuredMessage{
		Icon:  icon,
		Title: fmt.Sprintf("%s 平仓 %s", t.Symbol, t.Reason),
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("grade %s score %.1f", t.Grade, t.Score),
				fmt.Sprintf("qty %s  entry %.2f  exit %.2f", t.Quantity.String(), t.EntryPrice, t.ExitPrice),
				fmt.Sprintf("pnl %s (%+.2f%%)", t.PnL.StringFixed(2), t.PnLPct),
				fmt.Sprintf("held %s", t.ExitTime.Sub(t.EntryTime).Round(time.Second)),
			},
		}},
		Timestamp: t.ExitTime,
	}
}

// CircuitHalted 熔断通知
func CircuitHalted(st safety.State) StructuredMessage {
	return StructuredMessage{
		Icon:  "🛑",
		Title: "熔断触发，暂停入场",
		Sections: []MessageSection{{
			Title: st.HaltReason,
			Lines: []string{
				fmt.Sprintf("daily pnl %+.2f%%", st.DailyPnLPct),
				fmt.Sprintf("index %+.2f%%", st.IndexChangePct),
				fmt.Sprintf("stop-loss streak %d, api errors %d", st.ConsecutiveStopLosses, st.APIErrorStreak),
			},
		}},
		Footer:    "session " + st.Session,
		Timestamp: st.HaltedAt,
	}
}

// DailySummary 收盘日报
func DailySummary(session string, trades []trader.Trade, snap trader.LedgerSnapshot, at time.Time) StructuredMessage {
	wins := 0
	lines := make([]string, 0, len(trades))
	for _, t := range trades {
		if t.PnL.IsPositive() {
			wins++
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", t.Symbol, t.PnL.StringFixed(2), t.Reason))
	}
	overview := []string{
		fmt.Sprintf("trades %d, wins %d", len(trades), wins),
		fmt.Sprintf("realized %s (%+.2f%%)", snap.Realized.StringFixed(2), snap.DailyPnLPct),
		fmt.Sprintf("cash %s", snap.Cash.StringFixed(2)),
	}
	if snap.Circuit.Halted {
		overview = append(overview, "halted: "+snap.Circuit.HaltReason)
	}
	return StructuredMessage{
		Icon:      "📊",
		Title:     "日报 " + session,
		Sections:  []MessageSection{{Title: "总览", Lines: overview}, {Title: "成交", Lines: lines}},
		Timestamp: at,
	}
}
