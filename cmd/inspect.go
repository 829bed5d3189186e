package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-dom/api/schemas"
	"github.com/xkilldash9x/scalpel-dom/internal/dom"
	"github.com/xkilldash9x/scalpel-dom/internal/observability"
	"github.com/xkilldash9x/scalpel-dom/internal/service"
)

// componentFactory is swapped out by command tests to avoid launching a
// real browser.
var componentFactory service.Factory = service.NewFactory()

// newInspectCmd creates and configures the `inspect` command.
func newInspectCmd() *cobra.Command {
	var (
		maxElements int
		showAll     bool
		noCache     bool
		noHeadless  bool
		debug       bool
		findText    string
	)

	inspectCmd := &cobra.Command{
		Use:   "inspect [url]",
		Short: "Navigates to a page and prints its indexed interactive elements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			url := args[0]
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				url = "https://" + url
			}

			// Flag overrides go through the config setters so every
			// component sees the same resolved values.
			cfg := appCfg
			if noHeadless {
				cfg.SetBrowserHeadless(false)
			}
			if showAll {
				cfg.SetSnapshotViewportExpansion(schemas.ViewportUnbounded)
			}
			if noCache {
				cfg.SetCacheEnabled(false)
			}
			if debug {
				cfg.SetSnapshotDebug(true)
			}

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Building page snapshot", zap.String("url", url))
			state, err := components.Snapshot(ctx, url)
			if err != nil {
				return fmt.Errorf("snapshot of %s failed: %w", url, err)
			}

			fmt.Fprint(cmd.OutOrStdout(), state.Render(maxElements))

			if findText != "" {
				if idx, ok := state.FindByText(findText, dom.FindOptions{}); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "\nFirst match for %q: [%d]\n", findText, idx)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "\nNo element matches %q\n", findText)
				}
			}

			if debug {
				m := state.Metrics
				logger.Debug("Snapshot stage timings",
					zap.Duration("extract", m.Extract),
					zap.Duration("decode", m.Decode),
					zap.Duration("reconstruct", m.Reconstruct),
					zap.Duration("index", m.Index),
				)
			}
			return nil
		},
	}

	inspectCmd.Flags().IntVarP(&maxElements, "max-elements", "n", 0, "Cap the number of rendered elements (0 = all).")
	inspectCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Index every interactive element, not just those in the viewport.")
	inspectCmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the snapshot cache.")
	inspectCmd.Flags().BoolVar(&noHeadless, "no-headless", false, "Run the browser with a visible window.")
	inspectCmd.Flags().BoolVar(&debug, "debug", false, "Collect and log per-stage build timings.")
	inspectCmd.Flags().StringVar(&findText, "find", "", "Report the first indexed element whose text contains this string.")

	return inspectCmd
}

func init() {
	rootCmd.AddCommand(newInspectCmd())
}
