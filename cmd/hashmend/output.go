package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"hashmend/pkg/repair"
	"hashmend/pkg/types"
	"hashmend/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle  = valueStyle.Copy().Foreground(accentColor)
	warningValueStyle = valueStyle.Copy().Foreground(warningColor)
	dangerValueStyle  = valueStyle.Copy().Foreground(dangerColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

type field struct {
	label string
	value string
	style lipgloss.Style
}

func createPanel(title string, fields []field, extra string) string {
	var content strings.Builder
	for _, f := range fields {
		content.WriteString(labelStyle.Render(f.label+":") + " " + f.style.Render(f.value) + "\n")
	}
	body := strings.TrimRight(content.String(), "\n")
	if extra != "" {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "", extra)
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), body))
}

// blockTable lists block offsets with their byte ranges and an optional reason.
func blockTable(offsets []int64, chunk int64, reasons map[int64]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})

	if reasons != nil {
		t.Headers("OFFSET", "RANGE", "REASON")
	} else {
		t.Headers("OFFSET", "RANGE")
	}

	for _, off := range offsets {
		frag := types.Fragment{Offset: off, Size: chunk}
		if reasons != nil {
			t.Row(fmt.Sprintf("%d", off), frag.String(), reasons[off])
		} else {
			t.Row(fmt.Sprintf("%d", off), frag.String())
		}
	}
	return t.Render()
}

func outcomeStyle(result *repair.Result) (string, lipgloss.Style) {
	switch {
	case len(result.Report) == 0:
		return "INTACT", accentValueStyle
	case result.Partial():
		return "PARTIAL", warningValueStyle
	default:
		return "REPAIRED", accentValueStyle
	}
}

func renderRepairSummary(w io.Writer, input, output string, size, chunk int64, result *repair.Result) {
	status, style := outcomeStyle(result)

	failedStyle := valueStyle
	if result.Partial() {
		failedStyle = dangerValueStyle
	}

	fields := []field{
		{"Input", input, valueStyle},
		{"Output", output, valueStyle},
		{"Size", utils.FormatDataSize(size), valueStyle},
		{"Status", status, style},
		{"Windows", fmt.Sprintf("%d", result.Windows), valueStyle},
		{"Hash queries", fmt.Sprintf("%d", result.HashQueries), valueStyle},
		{"Corrupt blocks", fmt.Sprintf("%d", len(result.Report)), valueStyle},
		{"Repaired", fmt.Sprintf("%d", len(result.Repaired)), accentValueStyle},
		{"Unrepaired", fmt.Sprintf("%d", len(result.Failures)), failedStyle},
		{"Elapsed", result.Elapsed.Round(time.Millisecond).String(), valueStyle},
	}

	var extra string
	if result.Partial() {
		reasons := make(map[int64]string, len(result.Failures))
		for _, f := range result.Failures {
			if f.Err != nil {
				reasons[f.Offset] = f.Err.Error()
			}
		}
		extra = blockTable(result.Unrepaired(), chunk, reasons)
	}

	fmt.Fprintln(w, createPanel("REPAIR SUMMARY", fields, extra))
}

func renderScanReport(w io.Writer, input string, size, chunk int64, report types.CorruptionReport, queries int64) {
	status, style := "INTACT", accentValueStyle
	if !report.Empty() {
		status, style = "CORRUPT", dangerValueStyle
	}

	fields := []field{
		{"Input", input, valueStyle},
		{"Size", utils.FormatDataSize(size), valueStyle},
		{"Status", status, style},
		{"Corrupt blocks", fmt.Sprintf("%d", len(report)), valueStyle},
		{"Hash queries", fmt.Sprintf("%d", queries), valueStyle},
	}

	var extra string
	if !report.Empty() {
		extra = blockTable(report, chunk, nil)
	}

	fmt.Fprintln(w, createPanel("SCAN REPORT", fields, extra))
}
