package main

import (
	"github.com/spf13/cobra"

	"github.com/ibeckermayer/sigcrawl/internal/app"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with the configured credentials and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := app.Login(cmd.Context(), cfg, logger); err != nil {
				return fail(logger, err, "login failed")
			}
			logger.Info().Str("session", cfg.Session.Name).Msg("login successful, cookies saved")
			return nil
		},
	}
}

func newLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session cookies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := app.Logout(cmd.Context(), cfg, logger); err != nil {
				return fail(logger, err, "logout failed")
			}
			logger.Info().Str("session", cfg.Session.Name).Msg("cookies cleared")
			return nil
		},
	}
}
