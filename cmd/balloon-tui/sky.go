package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// Sky viewport dimensions
const (
	skyWidth  = 80
	skyHeight = 24
)

const (
	glyphMount   = '+'
	glyphTarget  = '◉'
	glyphCommand = '×'
	glyphTrail   = '·'
	glyphHorizon = '─'
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	glyphStyles = map[rune]lipgloss.Style{
		glyphMount:   lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
		glyphTarget:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		glyphCommand: lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
		glyphTrail:   lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		glyphHorizon: lipgloss.NewStyle().Foreground(lipgloss.Color("237")),
		'N':          lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		'E':          lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		'S':          lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		'W':          lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

// viewport maps alt/az onto the sky grid. Azimuth runs left to right from
// north, altitude bottom to top from minAlt.
type viewport struct {
	minAlt float64
	maxAlt float64
	zoom   float64
}

// toScreen returns the grid cell for a position, and false when it falls
// outside the grid.
func (v viewport) toScreen(p coordinates.HorizontalCoordinates) (int, int, bool) {
	az := coordinates.NormalizeAzimuth(p.Azimuth)
	x := int(az / 360.0 * float64(skyWidth))

	altRange := (v.maxAlt - v.minAlt) / v.zoom
	if altRange <= 0 {
		altRange = 90
	}
	normalized := (p.Altitude - v.minAlt) / altRange
	y := skyHeight - 1 - int(normalized*float64(skyHeight-1))

	if x < 0 || x >= skyWidth || y < 0 || y >= skyHeight {
		return 0, 0, false
	}
	return x, y, true
}

// renderSky draws the trail, the commanded position, the current target and
// the mount crosshair. Later layers win.
func renderSky(v viewport, trail []coordinates.HorizontalCoordinates, target, command, mount *coordinates.HorizontalCoordinates) string {
	grid := make([][]rune, skyHeight)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", skyWidth))
	}

	if _, y, ok := v.toScreen(coordinates.HorizontalCoordinates{Altitude: 0}); ok {
		for x := range grid[y] {
			grid[y][x] = glyphHorizon
		}
	}
	for i, label := range []rune{'N', 'E', 'S', 'W'} {
		grid[skyHeight-1][i*skyWidth/4] = label
	}

	plot := func(p *coordinates.HorizontalCoordinates, glyph rune) {
		if p == nil {
			return
		}
		if x, y, ok := v.toScreen(*p); ok {
			grid[y][x] = glyph
		}
	}
	for i := range trail {
		plot(&trail[i], glyphTrail)
	}
	plot(command, glyphCommand)
	plot(target, glyphTarget)
	plot(mount, glyphMount)

	var sky strings.Builder
	sky.WriteString(borderStyle.Render("┌" + strings.Repeat("─", skyWidth) + "┐"))
	sky.WriteString("\n")
	for _, row := range grid {
		sky.WriteString(borderStyle.Render("│"))
		for _, r := range row {
			if style, ok := glyphStyles[r]; ok {
				sky.WriteString(style.Render(string(r)))
			} else {
				sky.WriteRune(r)
			}
		}
		sky.WriteString(borderStyle.Render("│"))
		sky.WriteString("\n")
	}
	sky.WriteString(borderStyle.Render("└" + strings.Repeat("─", skyWidth) + "┘"))
	return sky.String()
}
