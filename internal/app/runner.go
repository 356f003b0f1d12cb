package app

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/sync"
)

// eventMsg wraps one sync progress event for the Bubble Tea runtime.
type eventMsg struct {
	account string
	event   sync.Event
}

// accountDoneMsg carries one account's final report.
type accountDoneMsg struct {
	account string
	report  *sync.Report
	err     error
}

// allDoneMsg fires after the last account finished.
type allDoneMsg struct{}

// Account pairs a name with the function executing its sync run.
type Account struct {
	Name string

	// Run performs the sync, forwarding progress to the handler.
	Run func(ctx context.Context, onEvent sync.Handler) (*sync.Report, error)
}

// Runner executes account syncs sequentially on a goroutine and
// bridges their progress into Bubble Tea messages.
type Runner struct {
	accounts []Account
	msgCh    chan tea.Msg
}

// NewRunner builds a runner over the given accounts.
func NewRunner(accounts []Account) *Runner {
	return &Runner{
		accounts: accounts,
		msgCh:    make(chan tea.Msg, 64),
	}
}

// Launch starts the sync goroutine. The model's Init subscribes to
// the resulting messages with waitForMsg.
func (r *Runner) Launch(ctx context.Context) {
	go func() {
		defer close(r.msgCh)
		for _, account := range r.accounts {
			if ctx.Err() != nil {
				return
			}
			name := account.Name
			rep, err := account.Run(ctx, func(e sync.Event) {
				r.send(eventMsg{account: name, event: e})
			})
			r.send(accountDoneMsg{account: name, report: rep, err: err})
		}
		r.send(allDoneMsg{})
	}()
}

// send forwards a message without blocking the sync goroutine; the
// UI falling behind drops progress noise, never results.
func (r *Runner) send(msg tea.Msg) {
	switch msg.(type) {
	case accountDoneMsg, allDoneMsg:
		r.msgCh <- msg
	default:
		select {
		case r.msgCh <- msg:
		default:
		}
	}
}

// waitForMsg returns a tea.Cmd that waits for the next message from
// the sync goroutine. After each received message the update loop
// re-subscribes to keep listening.
func (r *Runner) waitForMsg() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-r.msgCh
		if !ok {
			return nil
		}
		return msg
	}
}
