package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	chrome "github.com/ibeckermayer/sigcrawl/internal/browser"
	"github.com/ibeckermayer/sigcrawl/internal/config"
)

const botTestURL = "https://bot.sannysoft.com"

func newBotTestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bot-test",
		Short: "Open bot.sannysoft.com with the crawler's stealth browser to audit its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}

			sessionOpts := chrome.SessionOptionsFromConfig(cfg.Crawl)
			// non-headless so you can see it
			sessionOpts.Headless = false
			session := chrome.NewSession(nil, "bot-test", sessionOpts, logger)
			defer session.Close()

			logger.Info().Str("url", botTestURL).Msg("opening fingerprint audit page")
			if err := session.Visit(cmd.Context(), botTestURL); err != nil {
				return fail(logger, err, "failed to navigate")
			}

			fmt.Println("Press Enter to close the browser...")
			bufio.NewReader(os.Stdin).ReadString('\n')
			return nil
		},
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "open <config|cache>",
		Short:     "Open the config file or the cache directory with the OS handler",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"config", "cache"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			var err error

			switch args[0] {
			case "config":
				path, err = config.ConfigPath()
			case "cache":
				path, err = config.CacheDir()
				if err == nil {
					err = os.MkdirAll(path, 0755)
				}
			}
			if err != nil {
				return fmt.Errorf("failed to get path: %w", err)
			}

			return browser.OpenFile(path)
		},
	}
}
