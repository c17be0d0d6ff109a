// Command i3c-monitor is a live terminal dashboard over an open
// USB-I3C bridge, following the same bubbletea/lipgloss structure as
// the teacher's own terminal UI: a styled header/footer, a
// tea.Tick-driven refresh loop, and a scrolling event log fed by
// callbacks registered on the device.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/gousb"

	"usbi3c/internal/config"
	"usbi3c/internal/i3c/device"
	"usbi3c/internal/i3c/ibi"
	"usbi3c/internal/i3c/targettable"
	"usbi3c/internal/i3c/tracker"
	"usbi3c/internal/i3c/transport/gousbtransport"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

const maxEventLines = 200

type tickMsg time.Time

type eventMsg string

// model is the bubbletea model driving the dashboard. dev is read
// concurrently by the device's own reactor goroutines via the
// callbacks below, so every field it touches from Update/View is
// refreshed only through snapshot calls (State/Info/TargetDevices),
// never by reaching into device internals directly.
type model struct {
	dev    *device.Device
	events chan string
	log    []string
	width  int
	height int
	err    error
}

func newModel(dev *device.Device) *model {
	m := &model{dev: dev, events: make(chan string, 256)}

	dev.OnHotJoin(func(address uint8) {
		m.push(fmt.Sprintf("hot-join: address 0x%02X inserted", address))
	})
	dev.OnBusError(func(code uint16) {
		m.push(fmt.Sprintf("bus error: code 0x%04X", code))
	})
	dev.OnControllerEvent(func(code uint16) {
		m.push(fmt.Sprintf("controller event: code 0x%04X", code))
	})
	dev.OnStallCancelled(func(entry *tracker.Entry) {
		m.push(fmt.Sprintf("request 0x%04X cancelled after stall", entry.RequestID))
	})
	dev.OnIBI(func(report uint8, descriptor ibi.Descriptor, data []byte, userData any) {
		m.push(fmt.Sprintf("IBI: report 0x%02X, %d byte payload", report, len(data)))
	}, nil)

	return m
}

func (m *model) push(line string) {
	select {
	case m.events <- line:
	default:
	}
}

func waitForEvent(ch chan string) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(tick(), waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tick()
	case eventMsg:
		m.log = append(m.log, string(msg))
		if len(m.log) > maxEventLines {
			m.log = m.log[len(m.log)-maxEventLines:]
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	header := headerStyle.Width(width).Render("usbi3c monitor")
	footer := footerStyle.Width(width).Render(helpStyle.Render("q/esc: quit"))

	info := m.dev.Info()
	state := m.dev.State()
	status := fmt.Sprintf(
		"%s %s\n%s %s\n%s 0x%02X\n%s %v",
		labelStyle.Render("state:"), infoStyle.Render(state.String()),
		labelStyle.Render("role:"), infoStyle.Render(roleName(info.Role)),
		labelStyle.Render("address:"), info.Address,
		labelStyle.Render("has capability data:"), info.HasCapabilityData,
	)
	statusPanel := panelStyle.Width(width/2 - 2).Render(status)

	devicesPanel := panelStyle.Width(width/2 - 2).Render(m.renderDevices())

	logHeight := 10
	if m.height > 20 {
		logHeight = m.height - 14
	}
	logPanel := panelStyle.Width(width - 4).Height(logHeight).Render(m.renderLog(logHeight))

	top := lipgloss.JoinHorizontal(lipgloss.Top, statusPanel, devicesPanel)
	body := lipgloss.JoinVertical(lipgloss.Left, top, logPanel)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m *model) renderDevices() string {
	table := m.dev.TargetDevices()
	if table.Len() == 0 {
		return labelStyle.Render("target devices:") + "\n" + infoStyle.Render("(none)")
	}
	out := labelStyle.Render("target devices:") + "\n"
	table.Each(func(d *targettable.Device) {
		out += fmt.Sprintf("0x%02X  pid=%#016x  bcr=0x%02X dcr=0x%02X\n", d.Address, d.PID(), d.BCR, d.DCR)
	})
	return out
}

func (m *model) renderLog(height int) string {
	if len(m.log) == 0 {
		return infoStyle.Render("waiting for events…")
	}
	start := 0
	if len(m.log) > height {
		start = len(m.log) - height
	}
	out := ""
	for _, line := range m.log[start:] {
		out += line + "\n"
	}
	return out
}

func roleName(r device.Role) string {
	switch r {
	case device.RolePrimaryController:
		return "primary controller"
	case device.RoleTargetDevice:
		return "target device"
	case device.RoleTargetSecondaryController:
		return "target device (secondary controller capable)"
	default:
		return "unknown"
	}
}

func main() {
	cfg, err := config.LoadBridgeConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("loading configuration: %v", err)))
		os.Exit(1)
	}

	tp, err := gousbtransport.Open(gousbtransport.Config{
		VendorID:      cfg.VendorID,
		ProductID:     cfg.ProductID,
		ConfigNum:     cfg.ConfigNum,
		InterfaceNum:  cfg.InterfaceNum,
		AltSetting:    cfg.AltSetting,
		BulkOutAddr:   gousb.EndpointAddress(cfg.BulkOutAddr),
		BulkInAddr:    gousb.EndpointAddress(cfg.BulkInAddr),
		InterruptAddr: gousb.EndpointAddress(cfg.InterruptAddr),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("opening bridge: %v", err)))
		os.Exit(1)
	}

	dev := device.Open(tp, cfg.Label, cfg.ReattemptMax)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := dev.Initialize(ctx); err != nil {
		cancel()
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("initializing device: %v", err)))
		os.Exit(1)
	}
	cancel()
	defer dev.Close()

	m := newModel(dev)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("running dashboard: %v", err)))
		os.Exit(1)
	}
}
