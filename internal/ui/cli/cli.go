// Package cli renders the reports of the command line tools: banners and per-channel statistics
// of datasets and generated samples.
package cli

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"os"
	"regexp"
	"strings"
)

// defaultWidth is used when the output is not a terminal.
const defaultWidth = 100

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// centered indents every line of block so the block is centered in the given width.
func centered(block string, width int) string {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((width-blockWidth)/2, 0)
	var sb strings.Builder
	for ii, line := range lines {
		if ii > 0 {
			sb.WriteByte('\n')
		}
		if len(line) > 0 {
			sb.WriteString(strings.Repeat(" ", indent))
			sb.WriteString(line)
		}
	}
	return sb.String()
}

// PrintCentered prints the block centered in the terminal.
func PrintCentered(block string) {
	fmt.Println(centered(block, terminalWidth()))
}

var (
	bannerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// Banner renders a highlighted message.
func Banner(message string) string {
	return bannerStyle.Render(message)
}

// StatsBox renders the statistics of each channel in a box with the given title.
func StatsBox(title string, stats []dataset.ChannelStats) string {
	lines := []string{titleStyle.Render(title)}
	for ch, cs := range stats {
		lines = append(lines, fmt.Sprintf("#%d %s", ch, cs))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// Comparison renders the statistics of the reference data and the generated samples side by side.
func Comparison(reference, generated []dataset.ChannelStats) string {
	return lipgloss.JoinHorizontal(lipgloss.Top,
		StatsBox("Reference", reference), " ", StatsBox("Generated", generated))
}
