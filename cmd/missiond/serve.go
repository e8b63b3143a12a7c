package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionloop/internal/delivery/server/bootstrap"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, SSE and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return bootstrap.RunServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("http-addr", "", "Listen address (default :8080)")
	return cmd
}
