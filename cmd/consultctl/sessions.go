package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("51"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	subjectStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231"))
)

// Column widths for the session list.
const (
	colID      = 42
	colState   = 11
	colFields  = 8
	colMsgs    = 6
	colUpdated = 20
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "ok":
		return healthyStyle
	case "degraded":
		return warningStyle
	default:
		return errorStyle
	}
}

func stateStyle(state lifecycle.State) lipgloss.Style {
	switch state {
	case lifecycle.StateConfirmed:
		return healthyStyle
	case lifecycle.StateDeclined:
		return errorStyle
	case lifecycle.StateReviewing, lifecycle.StatePaused:
		return warningStyle
	default:
		return subjectStyle
	}
}

func newSessionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and show persisted sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Long: `List the most recently updated sessions.

Examples:
  consultctl sessions list
  consultctl sessions list --limit 5 --db /var/lib/consultd/sessions.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			return runList(cmd.Context(), cmd.OutOrStdout(), st, limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's record and dialogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			return runShow(cmd.Context(), cmd.OutOrStdout(), st, args[0])
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func openStore(opts *options) (store.Store, error) {
	path, err := resolveDBPath(opts)
	if err != nil {
		return nil, err
	}
	return store.Open(path)
}

func runList(ctx context.Context, out io.Writer, st store.Store, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sessions, err := st.ListSessions(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, dimStyle.Render("No sessions recorded."))
		return nil
	}

	fmt.Fprintln(out, lipgloss.JoinHorizontal(lipgloss.Top,
		cell(headerStyle, colID, "SESSION"),
		cell(headerStyle, colState, "STATE"),
		cell(headerStyle, colFields, "FIELDS"),
		cell(headerStyle, colMsgs, "MSGS"),
		cell(headerStyle, colUpdated, "UPDATED"),
	))
	for _, s := range sessions {
		state := string(s.State)
		if s.Degraded {
			state += "*"
		}
		fmt.Fprintln(out, lipgloss.JoinHorizontal(lipgloss.Top,
			cell(subjectStyle, colID, s.ID),
			cell(stateStyle(s.State), colState, state),
			cell(subjectStyle, colFields, fmt.Sprint(filled(s))),
			cell(subjectStyle, colMsgs, fmt.Sprint(s.MessageCount)),
			cell(dimStyle, colUpdated, s.UpdatedAt.Local().Format(time.DateTime)),
		))
	}
	return nil
}

func runShow(ctx context.Context, out io.Writer, st store.Store, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := st.LoadSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}
	msgs, err := st.LoadMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load messages for %s: %w", id, err)
	}

	fmt.Fprintln(out, headerStyle.Render("Session "+sess.ID))
	fmt.Fprintln(out, labelStyle.Render("State:    ")+stateStyle(sess.State).Render(string(sess.State)))
	fmt.Fprintln(out, labelStyle.Render("Version:  ")+fmt.Sprint(sess.Record.Version))
	fmt.Fprintln(out, labelStyle.Render("Created:  ")+sess.CreatedAt.Local().Format(time.DateTime))
	if !sess.CompletedAt.IsZero() {
		fmt.Fprintln(out, labelStyle.Render("Closed:   ")+sess.CompletedAt.Local().Format(time.DateTime)+
			dimStyle.Render(" ("+sess.FinalizeReason+")"))
	}
	if sess.Degraded {
		fmt.Fprintln(out, warningStyle.Render("Finalized degraded: some details may be incomplete"))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, headerStyle.Render("Record"))
	names := make([]string, 0, len(sess.Record.Fields))
	for name, v := range sess.Record.Fields {
		if !v.IsEmpty() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  (empty)"))
	}
	for _, name := range names {
		v := sess.Record.Fields[name]
		value := v.Text
		if len(v.Items) > 0 {
			value = strings.Join(v.Items, ", ")
		}
		line := "  " + labelStyle.Render(name+": ") + value
		if v.Pinned {
			line += dimStyle.Render(" [edited]")
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Dialogue (%d messages)", len(msgs))))
	for _, m := range msgs {
		fmt.Fprintln(out, renderMessage(m))
	}
	return nil
}

func renderMessage(m dialogue.Message) string {
	role := dimStyle.Render(fmt.Sprintf("  #%d %-9s", m.Seq, m.Role))
	if m.Role == dialogue.RoleSubject {
		return role + " " + subjectStyle.Render(m.Content)
	}
	return role + " " + m.Content
}

func cell(style lipgloss.Style, width int, text string) string {
	if len(text) > width-1 {
		text = text[:width-2] + "…"
	}
	return style.Width(width).Render(text)
}

func filled(s store.Session) int {
	n := 0
	for _, v := range s.Record.Fields {
		if !v.IsEmpty() {
			n++
		}
	}
	return n
}
