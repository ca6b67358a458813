package main

import (
	"fmt"
	"io"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabian4/lfs-gateway/internal/config"
	"github.com/fabian4/lfs-gateway/internal/router"
)

func newMatchCommand(o *options) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "match PATH...",
		Short: "Show how request paths would be routed",
		Long: `match runs request paths through the route table without contacting any
upstream and prints the rule, cluster, outbound path, outbound Host and timeout
for each.`,
		Example: `  lfs-gateway match /org/repo.git/info/lfs/objects/batch /api/v3/user /org/repo`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return printMatches(cmd.OutOrStdout(), cfg, host, args)
		},
	}
	cmd.Flags().StringVar(&host, "host", "gateway.local", "Inbound Host header to assume")
	return cmd
}

func printMatches(w io.Writer, cfg *config.Config, host string, paths []string) error {
	table := router.New(cfg.Routes)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tRULE\tCLUSTER\tUPSTREAM PATH\tHOST\tTIMEOUT")
	for _, p := range paths {
		u, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("path %q: %w", p, err)
		}
		escaped := u.EscapedPath()
		m, ok := table.Match(escaped)
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", escaped)
			continue
		}
		outPath, outHost, err := router.Rewrite(m, host)
		if err != nil {
			outPath, outHost = "error: "+err.Error(), "-"
		}
		timeout := "unlimited"
		if m.Rule.Timeout > 0 {
			timeout = m.Rule.Timeout.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", escaped, m.Rule.Name, m.Rule.Cluster, outPath, outHost, timeout)
	}
	return tw.Flush()
}
