package notifier

import (
	"fmt"
	"strings"
	"time"

	"sable/internal/sim"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的 Telegram 推送。
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

// OpenMessage 构造开仓推送。
func OpenMessage(pos *sim.Position) StructuredMessage {
	return StructuredMessage{
		Icon:  "📈",
		Title: fmt.Sprintf("开仓 %s %s", pos.Symbol, pos.Direction),
		Sections: []MessageSection{{
			Title: "订单",
			Lines: []string{
				fmt.Sprintf("入场价: %.4f", pos.EntryPrice),
				fmt.Sprintf("数量: %.6f", pos.Quantity),
				fmt.Sprintf("止损: %.4f", pos.StopLoss),
				fmt.Sprintf("名义: %.2f", pos.EntryNotional),
			},
		}},
		Timestamp: time.UnixMilli(pos.EntryTime),
	}
}

// CloseMessage 构造平仓推送。
func CloseMessage(t sim.ClosedTrade) StructuredMessage {
	icon := "✅"
	if t.NetPnL < 0 {
		icon = "🔻"
	}
	return StructuredMessage{
		Icon:  icon,
		Title: fmt.Sprintf("平仓 %s %s (%s)", t.Symbol, t.Direction, t.Reason),
		Sections: []MessageSection{{
			Title: "结果",
			Lines: []string{
				fmt.Sprintf("入场/出场: %.4f → %.4f", t.EntryPrice, t.ExitPrice),
				fmt.Sprintf("净盈亏: %.2f (%.2f%%)", t.NetPnL, t.ReturnPct*100),
				fmt.Sprintf("手续费: %.2f", t.EntryFee+t.ExitFee),
			},
		}},
		Timestamp: time.UnixMilli(t.ExitTime),
	}
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
