package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/thobiasn/beacon/internal/board"
	"github.com/thobiasn/beacon/internal/feed"
	"github.com/thobiasn/beacon/internal/protocol"
)

// appCtx is shared mutable state between the bubbletea copy of App and
// the feed goroutines. Since App is a value type, we use a pointer
// to a struct that both copies reference.
type appCtx struct {
	prog *tea.Program
}

// Send forwards feed messages to the program once it is running.
func (c *appCtx) Send(msg tea.Msg) {
	if c.prog != nil {
		c.prog.Send(msg)
	}
}

type frameInfo struct {
	msg   feed.FrameMsg
	opens int
}

type streamErr struct {
	msg   feed.StreamErrMsg
	opens int
}

// App is the root Bubbletea model. Update is the only place dashboard state
// changes; feeds and the client reader only post messages.
type App struct {
	client *Client
	dash   *board.Dashboard
	cfg    *Config
	theme  Theme
	keys   keyMap
	help   help.Model
	ctx    *appCtx
	cancel context.CancelFunc

	width      int
	height     int
	cursors    map[string]int // group -> selected member index
	frames     map[string]frameInfo
	streamErrs map[string]streamErr

	showHelp bool
	zoomed   bool
	zoom     viewport.Model
	err      error
}

// NewApp creates the root model. client may be nil in tests.
func NewApp(client *Client, cfg *Config) App {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	actx := &appCtx{}
	ctx, cancel := context.WithCancel(context.Background())
	tr := feed.NewTransport(ctx, actx)
	return newApp(client, cfg, actx, cancel, tr)
}

func newApp(client *Client, cfg *Config, actx *appCtx, cancel context.CancelFunc, tr board.Transport) App {
	return App{
		client:     client,
		dash:       board.New(tr),
		cfg:        cfg,
		theme:      BuildTheme(cfg.Theme),
		keys:       defaultKeyMap(),
		help:       help.New(),
		ctx:        actx,
		cancel:     cancel,
		cursors:    make(map[string]int),
		frames:     make(map[string]frameInfo),
		streamErrs: make(map[string]streamErr),
		zoom:       viewport.New(0, 0),
	}
}

// SetProgram stores the tea.Program reference in the shared appCtx and
// starts the client reader. Must be called after tea.NewProgram and
// before p.Run().
func (a *App) SetProgram(p *tea.Program) {
	a.ctx.prog = p
	if a.client != nil {
		a.client.SetProgram(p)
	}
}

// Dashboard exposes the reconciled state.
func (a App) Dashboard() *board.Dashboard { return a.dash }

// Err returns the error that ended the program, if any.
func (a App) Err() error { return a.err }

func subscribeStatus(c *Client) tea.Cmd {
	return func() tea.Msg {
		if err := c.SubscribeStatus(); err != nil {
			return ConnErrMsg{Err: fmt.Errorf("subscribe status: %w", err)}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		records, err := c.QueryEntities(ctx)
		if err != nil {
			return ConnErrMsg{Err: fmt.Errorf("query entities: %w", err)}
		}
		return StatusMsg{&protocol.StatusUpdate{Timestamp: time.Now().UnixMilli(), Records: records}}
	}
}

func (a App) Init() tea.Cmd {
	if a.client == nil {
		return nil
	}
	return subscribeStatus(a.client)
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		a.resizeZoom()
		a.refreshZoom()
		return a, nil

	case tea.FocusMsg:
		a.dash.Handle(board.VisibilityChanged{Visible: true})
		return a, nil

	case tea.BlurMsg:
		a.dash.Handle(board.VisibilityChanged{Visible: false})
		return a, nil

	case StatusMsg:
		if msg.StatusUpdate != nil {
			a.dash.Handle(board.StatusBatch{Records: msg.Records})
		}
		a.refreshZoom()
		return a, nil

	case board.Event:
		a.dash.Handle(msg)
		a.refreshZoom()
		return a, nil

	case feed.FrameMsg:
		if e, ok := a.dash.Entity(msg.Entity); ok && e.StreamEndpoint() == msg.Source {
			a.frames[msg.Entity] = frameInfo{msg: msg, opens: e.StreamOpens()}
			delete(a.streamErrs, msg.Entity)
		}
		return a, nil

	case feed.StreamErrMsg:
		if e, ok := a.dash.Entity(msg.Entity); ok && e.StreamEndpoint() == msg.Source {
			a.streamErrs[msg.Entity] = streamErr{msg: msg, opens: e.StreamOpens()}
		}
		return a, nil

	case ConnErrMsg:
		a.err = msg.Err
		return a, a.quit()

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// quit closes every feed before ending the program.
func (a App) quit() tea.Cmd {
	a.dash.Shutdown()
	if a.cancel != nil {
		a.cancel()
	}
	return tea.Quit
}

// selectedGroup returns the selected group key.
func (a App) selectedGroup() string {
	g, _ := a.dash.Selected()
	return g
}

// cursor returns the clamped member index for group.
func (a App) cursor(group string) int {
	n := len(a.dash.Members(group))
	c := a.cursors[group]
	if c >= n {
		c = n - 1
	}
	return max(c, 0)
}

// selectedEntity returns the entity under the cursor in the selected group.
func (a App) selectedEntity() *board.Entity {
	group := a.selectedGroup()
	members := a.dash.Members(group)
	if len(members) == 0 {
		return nil
	}
	return members[a.cursor(group)]
}

func (a *App) resizeZoom() {
	a.zoom.Width = max(a.width-2, 0)
	a.zoom.Height = max(a.height-4, 0)
}

// refreshZoom reloads the zoom viewport from the selected entity, keeping
// the view pinned to the bottom if it was there.
func (a *App) refreshZoom() {
	if !a.zoomed {
		return
	}
	e := a.selectedEntity()
	if e == nil {
		a.zoomed = false
		return
	}
	atBottom := a.zoom.AtBottom()
	a.zoom.SetContent(a.zoomContent(e))
	if atBottom {
		a.zoom.GotoBottom()
	}
}

func (a App) zoomContent(e *board.Entity) string {
	w := max(a.zoom.Width, 1)
	switch e.ActiveTab() {
	case board.TabLogs:
		lines := e.Lines()
		for i, l := range lines {
			lines[i] = sanitize(l)
		}
		return strings.Join(lines, "\n")
	case board.TabErrors:
		return strings.Join(wrapText(sanitize(e.Errors()), w), "\n")
	case board.TabStream:
		return strings.Join(a.cameraLines(e, w), "\n")
	}
	return ""
}

func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return ""
	}
	switch {
	case a.showHelp:
		return a.helpOverlay()
	case a.zoomed:
		return a.viewZoom()
	}
	return a.viewDashboard()
}

func (a App) viewDashboard() string {
	bar := renderGroupBar(a.dash, a.width, &a.theme)
	footer := centered(a.help.View(a.keys), a.width)
	grid := a.renderGrid(a.height - 2)
	return fitHeight(bar+"\n"+grid, a.height-1) + "\n" + footer
}

func (a App) viewZoom() string {
	e := a.selectedEntity()
	if e == nil {
		return ""
	}
	title := a.theme.Indicator(e.Indicator()) + " " + a.theme.bright().Render(e.Name()) +
		a.theme.sep() + renderTabBar(e, &a.theme)
	content := box(title, a.zoom.View(), a.width, a.height-1, &a.theme, a.theme.Accent)
	footer := a.theme.muted().Render(fmt.Sprintf(" %3.f%%  esc back", a.zoom.ScrollPercent()*100))
	return lipgloss.JoinVertical(lipgloss.Left, content, footer)
}
