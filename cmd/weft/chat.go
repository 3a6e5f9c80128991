package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/config"
	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/sandbox"
	"github.com/weft-dev/weft/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	noteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type chatState int

const (
	stateMenu chatState = iota
	stateSelectingProfile
	stateSelectingSession
	stateChatting
	stateConfirmExit
)

type errMsg struct{ err error }
type sessionUpdateMsg string
type loopEventMsg runner.Event

type runDoneMsg struct {
	res runner.Result
	err error
}

type updateViewMsg struct{ content string }

type chatModel struct {
	ctx      context.Context
	cfg      config.Config
	store    store.Store
	provider models.Provider
	workdir  string

	sess      store.Session
	loop      *runner.Runner
	compactor *compact.Compactor
	env       sandbox.Environment
	running   bool

	updates <-chan string
	events  chan runner.Event

	state      chatState
	profiles   []store.Profile
	sessions   []store.SessionInfo
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	// transcript holds the rendered persisted entries; tail holds the
	// live stream since the last persisted one.
	transcript string
	tail       string
}

func newChatModel(ctx context.Context, cfg config.Config, st store.Store, provider models.Provider, workdir string) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "| "
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// The "light" style avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	startState := stateMenu
	sessions, err := st.ListSessions()
	if err == nil && len(sessions) == 0 {
		startState = stateSelectingProfile
	}

	profiles, _ := st.ListProfiles()

	return chatModel{
		ctx:      ctx,
		cfg:      cfg,
		store:    st,
		provider: provider,
		workdir:  workdir,
		profiles: profiles,
		state:    startState,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	// Gate key events so Enter used for menu selection does not leak
	// into the textarea.
	var tiCmd, vpCmd tea.Cmd
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)

		// Keep the cursor visible after resize.
		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}
		if m.cursor < m.listOffset {
			m.listOffset = m.cursor
		}
		if m.cursor >= m.listOffset+maxViewable {
			m.listOffset = m.cursor - maxViewable + 1
		}
		if m.listOffset < 0 {
			m.listOffset = 0
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.sess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			if m.sess != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					m.state = stateSelectingProfile
					m.cursor = 0
					m.listOffset = 0
				} else {
					sessions, err := m.store.ListSessions()
					if err != nil {
						m.err = err
					} else if len(sessions) == 0 {
						m.err = fmt.Errorf("no existing sessions found")
					} else {
						m.sessions = sessions
						m.state = stateSelectingSession
						m.cursor = 0
						m.listOffset = 0
					}
				}
			case stateSelectingProfile:
				return m.selectProfile()
			case stateSelectingSession:
				return m.selectSession()
			case stateChatting:
				m.err = nil
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1
			case stateSelectingProfile:
				maxCursor = len(m.profiles) - 1
			case stateSelectingSession:
				maxCursor = len(m.sessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				maxViewable := m.height - 7
				if maxViewable < 1 {
					maxViewable = 1
				}
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case sessionUpdateMsg:
		if m.sess != nil && string(msg) == m.sess.ID() {
			cmds = append(cmds, m.reloadMessages(), waitForUpdate(m.updates))
		} else {
			cmds = append(cmds, waitForUpdate(m.updates))
		}

	case loopEventMsg:
		m = m.applyEvent(runner.Event(msg))
		cmds = append(cmds, waitForEvent(m.events))

	case runDoneMsg:
		m.running = false
		if msg.err != nil {
			slog.Error("Run failed", "error", msg.err)
			m.err = msg.err
		} else {
			slog.Debug("Run finished", "stop", msg.res.StopReason, "leaf", msg.res.FinalEntryID)
		}
		cmds = append(cmds, m.reloadMessages())

	case updateViewMsg:
		m.transcript = msg.content
		m.tail = ""
		m.viewport.SetContent(m.transcript)
		m.viewport.GotoBottom()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m chatModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Weft")

		options := []string{"New Session", "Continue Session"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingProfile:
		header := titleStyle.Render("Select Profile")

		start, end := m.listWindow(len(m.profiles))
		var optionsView []string
		for i := start; i < end; i++ {
			p := m.profiles[i]
			cursor := " "
			line := fmt.Sprintf("%s (%s)", p.Name, p.ID)
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		start, end := m.listWindow(len(m.sessions))
		var optionsView []string
		for i := start; i < end; i++ {
			info := m.sessions[i]
			cursor := " "
			name := info.Name
			if name == "" {
				name = info.ID
			}
			line := fmt.Sprintf("%s (%s)", name, info.Modified.Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		header := titleStyle.Render("Confirm Exit")
		prompt := "End session? (y/n)"
		subtext := "Ending the session stops its sandbox. 'n' quits and leaves it resumable."

		return lipgloss.JoinVertical(lipgloss.Left, header, "", prompt, subtext, errorView)
	}

	title := "Weft"
	if m.sess != nil {
		title = fmt.Sprintf("Weft [%s @ %s]", m.sess.ID(), m.sess.Active())
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(title),
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func (m chatModel) listWindow(n int) (int, int) {
	maxViewable := m.height - 7
	if maxViewable < 1 {
		maxViewable = 1
	}
	start := m.listOffset
	end := start + maxViewable
	if end > n {
		end = n
	}
	return start, end
}

// Actions

func (m chatModel) selectProfile() (chatModel, tea.Cmd) {
	profileID := ""
	if len(m.profiles) > 0 && m.cursor < len(m.profiles) {
		profileID = m.profiles[m.cursor].ID
	}
	sess, err := m.store.NewSession(profileID, "")
	if err != nil {
		return m, errCmd(err)
	}
	return m.enterChat(sess)
}

func (m chatModel) selectSession() (chatModel, tea.Cmd) {
	sess, err := m.store.LoadSession(m.sessions[m.cursor].ID)
	if err != nil {
		return m, errCmd(err)
	}
	return m.enterChat(sess)
}

func (m chatModel) enterChat(sess store.Session) (chatModel, tea.Cmd) {
	env, err := buildEnvironment(m.cfg, m.workdir)
	if err != nil {
		sess.Close()
		return m, errCmd(err)
	}
	m.env = env
	m.sess = sess

	// The sink runs on the loop goroutine and must not block; a full
	// buffer drops deltas, and the entry reload repairs the view.
	m.events = make(chan runner.Event, 256)
	events := m.events
	sink := func(e runner.Event) {
		select {
		case events <- e:
		default:
		}
	}

	m.loop, m.compactor = newLoop(m.cfg, m.provider, sess, buildRegistry(env, sess.ID(), m.workdir), sink)
	m.updates = m.store.Subscribe()

	m.state = stateChatting
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()

	return m, tea.Batch(
		m.reloadMessages(),
		waitForUpdate(m.updates),
		waitForEvent(m.events),
	)
}

func (m chatModel) sendMessage() (chatModel, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}

	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}
	if strings.HasPrefix(v, "/") {
		m.textarea.Reset()
		return m.handleCommand(v)
	}

	m.textarea.Reset()

	// A busy loop takes the message as steering; it lands before the
	// next model call.
	if m.running {
		m.loop.Steer([]store.Content{store.Text(v)})
		return m, nil
	}

	m.running = true
	return m, m.startRun(v)
}

func (m chatModel) startRun(content string) tea.Cmd {
	loop, ctx := m.loop, m.ctx
	return func() tea.Msg {
		res, err := loop.Run(ctx, "", []models.Message{{
			Role:    store.RoleUser,
			Content: []store.Content{store.Text(content)},
		}})
		return runDoneMsg{res: res, err: err}
	}
}

func (m chatModel) handleCommand(v string) (chatModel, tea.Cmd) {
	fields := strings.Fields(v)
	switch fields[0] {
	case "/model":
		if len(fields) < 2 {
			m.err = fmt.Errorf("usage: /model <name>")
			return m, nil
		}
		name := fields[1]
		sess, provider := m.sess, m.cfg.Provider
		return m, func() tea.Msg {
			if _, err := sess.AppendModelChange(provider, name); err != nil {
				return errMsg{err}
			}
			return nil
		}

	case "/think":
		if len(fields) < 2 {
			m.err = fmt.Errorf("usage: /think <level>")
			return m, nil
		}
		sess, level := m.sess, fields[1]
		return m, func() tea.Msg {
			if _, err := sess.AppendThinkingLevel(level); err != nil {
				return errMsg{err}
			}
			return nil
		}

	case "/compact":
		if m.running {
			m.err = fmt.Errorf("wait for the run to finish before compacting")
			return m, nil
		}
		compactor, ctx, sess := m.compactor, m.ctx, m.sess
		return m, func() tea.Msg {
			if _, err := compactor.Compact(ctx, sess, ""); err != nil {
				return errMsg{err}
			}
			return nil
		}

	case "/label":
		if len(fields) < 2 {
			m.err = fmt.Errorf("usage: /label <name>")
			return m, nil
		}
		leaf, err := m.sess.Leaf("")
		if err != nil {
			m.err = err
			return m, nil
		}
		if _, err := m.sess.SetLabel(leaf, fields[1]); err != nil {
			m.err = err
			return m, nil
		}
		return m, nil

	case "/branch":
		return m.handleBranchCommand(fields[1:])

	default:
		m.err = fmt.Errorf("unknown command %s", fields[0])
		return m, nil
	}
}

func (m chatModel) handleBranchCommand(args []string) (chatModel, tea.Cmd) {
	if len(args) == 0 || args[0] == "list" {
		var b strings.Builder
		b.WriteString("\nBranches:\n")
		for _, br := range m.sess.Branches() {
			marker := "  "
			if br.Name == m.sess.Active() {
				marker = "* "
			}
			b.WriteString(marker + br.Name + "\n")
		}
		m.transcript += noteStyle.Render(b.String())
		m.viewport.SetContent(m.transcript + m.tail)
		m.viewport.GotoBottom()
		return m, nil
	}

	if m.running {
		m.err = fmt.Errorf("wait for the run to finish before switching branches")
		return m, nil
	}

	switch args[0] {
	case "fork":
		if len(args) < 2 {
			m.err = fmt.Errorf("usage: /branch fork <name> [entry-or-label]")
			return m, nil
		}
		var at string
		var err error
		if len(args) > 2 {
			at, err = resolveEntry(m.sess, args[2])
		} else {
			at, err = m.sess.Leaf("")
		}
		if err != nil {
			m.err = err
			return m, nil
		}
		if err := m.sess.Fork(at, args[1]); err != nil {
			m.err = err
			return m, nil
		}
		if err := m.sess.Switch(args[1]); err != nil {
			m.err = err
			return m, nil
		}
		return m, m.reloadMessages()
	case "switch":
		if len(args) < 2 {
			m.err = fmt.Errorf("usage: /branch switch <name>")
			return m, nil
		}
		if err := m.sess.Switch(args[1]); err != nil {
			m.err = err
			return m, nil
		}
		return m, m.reloadMessages()
	default:
		m.err = fmt.Errorf("usage: /branch [list|fork <name>|switch <name>]")
		return m, nil
	}
}

func (m chatModel) endSessionCmd() tea.Cmd {
	sess, env, st, ctx := m.sess, m.env, m.store, m.ctx
	return func() tea.Msg {
		if sess != nil {
			if err := st.SetSessionStatus(sess.ID(), store.SessionStatusEnded); err != nil {
				slog.Error("Failed to set session status", "error", err)
			}
			if env != nil {
				if err := env.Stop(ctx, sess.ID()); err != nil {
					slog.Error("Failed to stop sandbox", "error", err)
				}
				env.Close()
			}
		}
		return nil
	}
}

// applyEvent folds a live runner event into the view. Persisted
// entries arrive later through reloadMessages and replace the tail.
func (m chatModel) applyEvent(e runner.Event) chatModel {
	switch e.Type {
	case runner.EventTurnStart:
		m.tail += "\n" + assistantStyle.Render("AI: ") + "\n"
	case runner.EventModelDelta:
		if !e.Thinking {
			m.tail += e.Delta
		}
	case runner.EventToolStart:
		m.tail += noteStyle.Render(fmt.Sprintf("\n[Tool: %s]", e.Call.Name)) + "\n"
	case runner.EventToolEnd:
		if e.IsError {
			m.tail += noteStyle.Render(fmt.Sprintf("[Tool %s failed]", e.Call.Name)) + "\n"
		}
	case runner.EventCompaction:
		m.tail += noteStyle.Render("\n[History compacted]") + "\n"
	}
	m.viewport.SetContent(m.transcript + m.tail)
	m.viewport.GotoBottom()
	return m
}

// reloadMessages renders the persisted transcript from a fresh handle
// so the view never depends on the loop's in-memory state.
func (m chatModel) reloadMessages() tea.Cmd {
	st, id, renderer := m.store, m.sess.ID(), m.renderer
	return func() tea.Msg {
		sess, err := st.LoadSession(id)
		if err != nil {
			return errMsg{err}
		}
		defer sess.Close()

		entries, err := sess.Materialize("")
		if err != nil {
			return errMsg{err}
		}
		return updateViewMsg{content: renderTranscript(renderer, entries)}
	}
}

func renderTranscript(renderer *glamour.TermRenderer, entries []store.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Type {
		case store.TypeMessage:
			if len(e.Message.Content) == 0 {
				continue
			}
			switch e.Message.Role {
			case store.RoleUser:
				sb.WriteString(userStyle.Render("User: "))
			case store.RoleAssistant:
				sb.WriteString(assistantStyle.Render("AI: "))
			default:
				sb.WriteString(noteStyle.Render(string(e.Message.Role) + ": "))
			}
			sb.WriteString("\n")

			for _, c := range e.Message.Content {
				switch {
				case c.Text != nil:
					raw := c.Text.Content
					if renderer != nil {
						if rendered, err := renderer.Render(raw); err == nil {
							raw = rendered
						}
					}
					sb.WriteString(raw)
				case c.ToolUse != nil:
					sb.WriteString(noteStyle.Render(fmt.Sprintf("[Tool: %s]", c.ToolUse.Name)))
					sb.WriteString("\n")
				case c.ToolResult != nil:
					status := "ok"
					if c.ToolResult.IsError {
						status = "error"
					}
					sb.WriteString(noteStyle.Render(fmt.Sprintf("[Result: %s]", status)))
					sb.WriteString("\n")
				}
			}
			sb.WriteString("\n")
		case store.TypeCompaction:
			sb.WriteString(noteStyle.Render(fmt.Sprintf("[Compacted %d entries]", e.Compaction.Replaced)))
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}

func waitForEvent(ch chan runner.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return loopEventMsg(e)
	}
}

func errCmd(err error) tea.Cmd {
	return func() tea.Msg { return errMsg{err} }
}

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat",
		Args:  cobra.NoArgs,
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logFile, err := setupFileLogging(cfg.Store.Root)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	workdir, err := os.Getwd()
	if err != nil {
		return err
	}

	p := tea.NewProgram(newChatModel(ctx, cfg, st, provider, workdir))
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
