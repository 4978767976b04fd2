package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mixos-go/shed/pkg/manager"
)

type progressMsg manager.ProgressUpdate

type doneMsg struct{}

// tuiModel renders progress updates of the manager until the channel is
// closed.
type tuiModel struct {
	sp      spinner.Model
	prog    progress.Model
	msg     string
	percent float64
	ch      <-chan manager.ProgressUpdate
}

func newTUIModel(ch <-chan manager.ProgressUpdate) tuiModel {
	s := spinner.New()
	s.Spinner = spinner.Line
	p := progress.New(progress.WithDefaultGradient())
	p.Width = 40
	return tuiModel{sp: s, prog: p, msg: "Starting...", ch: ch}
}

func (m tuiModel) wait() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.ch
		if !ok {
			return doneMsg{}
		}
		return progressMsg(u)
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.sp.Tick, m.wait())
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.sp, cmd = m.sp.Update(msg)
		return m, cmd
	case progressMsg:
		m.msg = msg.Message
		m.percent = msg.Percent
		return m, m.wait()
	case doneMsg:
		m.percent = 1.0
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	return fmt.Sprintf("%s %s\n%s\n", m.sp.View(), m.msg, m.prog.ViewAs(m.percent))
}

// withProgress runs fn while showing manager progress. Without a terminal
// the updates are logged as plain lines.
func withProgress(m *manager.Manager, fn func() error) error {
	ch := make(chan manager.ProgressUpdate)
	m.SetProgressChan(ch)
	defer m.SetProgressChan(nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
		close(ch)
	}()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		if _, err := tea.NewProgram(newTUIModel(ch)).Run(); err == nil {
			// Drain updates left after an early quit.
			for range ch {
			}
			return <-errCh
		}
	}

	for u := range ch {
		if u.Repository != "" && u.Stage == "install" {
			fmt.Printf("[%3.0f%%] %s\n", u.Percent*100, u.Message)
		}
	}
	return <-errCh
}
