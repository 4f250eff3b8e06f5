package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/cortexmem/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0A0A0"))
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00BFFF"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5555"))
	tierStyles = map[types.Tier]lipgloss.Style{
		types.TierActive: lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")),
		types.TierWarm:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
		types.TierCold:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")),
	}
)

func title(s string) string {
	return titleStyle.Render(s) + "\n" + labelStyle.Render(strings.Repeat("─", lipgloss.Width(s)))
}

func field(label string, value any) string {
	return fmt.Sprintf("%s %v", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
}

func tier(t types.Tier) string {
	if s, ok := tierStyles[t]; ok {
		return s.Render(string(t))
	}
	return string(t)
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printMemory(i int, m types.Memory, score *float64) {
	head := idStyle.Render(m.ID)
	if i > 0 {
		head = fmt.Sprintf("%d. %s", i, head)
	}
	meta := []string{tier(m.Tier), fmt.Sprintf("importance %d", m.Importance)}
	if score != nil {
		meta = append(meta, fmt.Sprintf("score %.3f", *score))
	}
	if m.Project != "" {
		meta = append(meta, "project "+m.Project)
	}
	if m.Category != "" {
		meta = append(meta, m.Category)
	}
	fmt.Fprintf(stdout, "%s  %s\n", head, labelStyle.Render(strings.Join(meta, " · ")))
	fmt.Fprintf(stdout, "   %s\n", truncate(m.Content, 100))
	if len(m.Tags) > 0 {
		fmt.Fprintf(stdout, "   %s\n", labelStyle.Render("tags: "+strings.Join(m.Tags, ", ")))
	}
}
