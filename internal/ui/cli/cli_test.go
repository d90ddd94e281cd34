package cli

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestDisplayWidth(t *testing.T) {
	assert.Equal(t, 5, displayWidth("\x1b[1;35mhello\x1b[0m"))
	assert.Equal(t, 3, displayWidth("a─b"))
}

func TestCentered(t *testing.T) {
	got := centered("ab\n\nabcd", 10)
	require.Equal(t, "   ab\n\n   abcd", got)
	// Wider than the terminal: no indentation.
	require.Equal(t, "abcdef", centered("abcdef", 4))
}

func TestStatsBox(t *testing.T) {
	stats := []dataset.ChannelStats{
		{Mean: 1, StdDev: 2, Min: -1, Max: 3},
		{Mean: 0.5, StdDev: 0.25, Min: 0, Max: 1},
	}
	box := StatsBox("Generated", stats)
	assert.Contains(t, box, "Generated")
	assert.Contains(t, box, "#0 mean=1, stddev=2, range=[-1, 3]")
	assert.Contains(t, box, "#1 mean=0.5")

	comparison := Comparison(stats, stats[:1])
	assert.Contains(t, comparison, "Reference")
	// Both boxes are in the same lines.
	firstLine := strings.Split(comparison, "\n")[0]
	assert.Equal(t, 2, strings.Count(firstLine, "╭"))
}
