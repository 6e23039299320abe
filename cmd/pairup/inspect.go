package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <session>",
	Short: "List the messages waiting in a relay session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if relayFlag != "" {
			cfg.Relay = relayFlag
		}
		if cfg.Relay == "" {
			return errNoRelay
		}
		msgs, err := relay.NewRemoteStore(cfg.Relay).List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), messageTable(msgs))
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&relayFlag, "relay", "", "relay server address, overrides relay")
}

func messageTable(msgs []proto.Message) string {
	if len(msgs) == 0 {
		return MutedStyle.Render("no pending messages")
	}
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{m.Id, string(m.Kind), string(m.From), string(m.To), m.Created.Format(time.RFC3339)})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("ID", "KIND", "FROM", "TO", "CREATED").
		Rows(rows...).
		String()
}
