package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionloop/internal/infra/store"
	"missionloop/internal/shared/logging"
)

func newSessionCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect stored sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a conversation with its plan and pending input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg, logging.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			conv, err := st.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			(&eventRenderer{out: cmd.OutOrStdout()}).conversation(conv)
			return nil
		},
	})

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg, logging.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			summaries, err := st.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			(&eventRenderer{out: cmd.OutOrStdout()}).summaries(summaries)
			return nil
		},
	}
	list.Flags().Int("limit", 20, "Maximum sessions to list")
	cmd.AddCommand(list)
	return cmd
}
