package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/coordinates"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
	"github.com/unklstewy/balloon-scope/pkg/telemetry"
	"github.com/unklstewy/balloon-scope/pkg/tracking"
)

const trailLength = 40

// session is the part of a running tracker the display reads and pokes.
type session interface {
	Snapshot() tracking.Snapshot
	Repoint(ctx context.Context) error
	Reset()
}

type model struct {
	session session
	view    viewport
	snap    tracking.Snapshot
	trail   []coordinates.HorizontalCoordinates
	notice  string
	err     error
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func newModel(s session) model {
	return model{
		session: s,
		view:    viewport{minAlt: -10, maxAlt: 90, zoom: 1},
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Clear error on any keypress (but don't quit)
		if m.err != nil {
			m.err = nil
			return m, nil
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "+", "=":
			if m.view.zoom < 4.0 {
				m.view.zoom *= 1.5
			}
		case "-", "_":
			if m.view.zoom > 0.5 {
				m.view.zoom /= 1.5
			}
		case "0":
			m.view.zoom = 1.0
		case "f":
			m.err = m.session.Repoint(context.Background())
			if m.err == nil {
				m.notice = "forced re-point"
			}
		case "r":
			m.session.Reset()
			m.notice = "controller reset"
		}

	case tickMsg:
		m.refresh()
		return m, tick()
	}

	return m, nil
}

// refresh pulls the latest snapshot and extends the target trail.
func (m *model) refresh() {
	snap := m.session.Snapshot()
	if snap.Solution.Valid && !snap.Time.Equal(m.snap.Time) {
		m.trail = append(m.trail, snap.Solution.Mount())
		if len(m.trail) > trailLength {
			m.trail = m.trail[1:]
		}
	}
	m.snap = snap
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
)

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("BALLOON SCOPE"))
	s.WriteString("\n\n")

	var target, command, mount *coordinates.HorizontalCoordinates
	if m.snap.Solution.Valid {
		t := m.snap.Solution.Mount()
		c := m.snap.Command
		target, command = &t, &c
	}
	if m.snap.Controller.Reachable {
		cur := m.snap.Controller.Current
		mount = &cur
	}
	s.WriteString(renderSky(m.view, m.trail, target, command, mount))
	s.WriteString("\n\n")
	s.WriteString(m.renderStatus())

	if m.err != nil {
		s.WriteString("\n")
		s.WriteString(errStyle.Render("Error: " + m.err.Error()))
	} else if m.notice != "" {
		s.WriteString("\n")
		s.WriteString(noticeStyle.Render(m.notice))
	}

	s.WriteString("\n\n")
	s.WriteString(helpStyle.Render("q: quit  +/-: zoom  0: reset zoom  f: force re-point  r: reset controller"))
	return s.String()
}

func (m model) renderStatus() string {
	snap := m.snap
	if snap.Samples == 0 {
		return helpStyle.Render("Waiting for telemetry...")
	}

	var s strings.Builder
	row := func(label, value string) {
		s.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", label)))
		s.WriteString(value)
		s.WriteString("\n")
	}

	pos := snap.Target.Position
	row("Balloon", fmt.Sprintf("%.5f, %.5f @ %.0fm  (%d fixes, %+.1f m/s vertical)",
		pos.Latitude, pos.Longitude, pos.Altitude, snap.Samples, snap.Target.VelocityAlt))
	if snap.Solution.Valid {
		row("Look angle", fmt.Sprintf("%s  range %.2f km", snap.Solution.Mount(), snap.Solution.DistanceKm))
		row("Command", fmt.Sprintf("%s  lead %.1fs  %s", snap.Command, snap.Lead, snap.Limit))
	}

	mount := "unreachable"
	if snap.Controller.Reachable {
		mount = snap.Controller.Current.String()
	}
	row("Mount", fmt.Sprintf("%s  %s  moving=%v  on-target=%v",
		mount, snap.Controller.Phase, snap.Controller.Moving, snap.Controller.AtTarget))
	if snap.Err != nil {
		row("Last error", errStyle.Render(snap.Err.Error()))
	}
	return s.String()
}

// simulation is a self-contained tracking session: a simulated balloon
// drifting near the observer, tracked by a simulated mount.
type simulation struct {
	loop       *tracking.Loop
	controller *pointing.Controller
}

func (s *simulation) Snapshot() tracking.Snapshot {
	return s.loop.Snapshot()
}

// Repoint forces the mount onto the latest command.
func (s *simulation) Repoint(ctx context.Context) error {
	snap := s.loop.Snapshot()
	if !snap.Solution.Valid {
		return tracking.ErrNoEstimate
	}
	return s.controller.ForceMoveToPosition(ctx, snap.Command)
}

func (s *simulation) Reset() {
	s.controller.Reset()
}

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	interval := flag.Duration("interval", 5*time.Second, "Tracking evaluation interval")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Observer.Location().IsUnset() {
		cfg.Observer = config.ObserverConfig{Name: "Demo", Latitude: 40.015, Longitude: -105.27, Elevation: 1655}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// The display owns the terminal, so the tracker logs nowhere.
	logger := zap.NewNop().Sugar()
	clk := clock.New()

	driver := pointing.NewSimulatedMount(clk, cfg.Mount.SlewRate, coordinates.HorizontalCoordinates{Azimuth: 180, Altitude: 45})
	controller := pointing.NewController(driver, cfg.Pointing.Options(), pointing.WithLogger(logger))
	defer controller.Close()

	loopCfg := cfg.LoopConfig()
	loopCfg.Interval = *interval
	loop := tracking.NewLoop(tracking.NewEstimator(cfg.Estimator.Filter(), clk), controller, loopCfg,
		tracking.WithLoopLogger(logger))
	if err := loop.SetGroundStation(cfg.Observer.Location()); err != nil {
		log.Fatalf("Invalid observer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples, err := telemetry.NewSimulatedBalloon(cfg.Balloon(), clk).Stream(ctx)
	if err != nil {
		log.Fatalf("Failed to start telemetry: %v", err)
	}
	go func() { _ = loop.Run(ctx, samples) }()

	p := tea.NewProgram(newModel(&simulation{loop: loop, controller: controller}), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
