package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fabian4/lfs-gateway/internal/config"
	"github.com/fabian4/lfs-gateway/internal/server"
	"github.com/fabian4/lfs-gateway/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	policy     config.Options
	ipFamily   string
	logLevel   string
	logFormat  string
}

func (o *options) addFlags(fs *pflag.FlagSet) {
	d := config.DefaultOptions()
	fs.StringVar(&o.configPath, "config", "", "Path to a YAML config file; without it the built-in lfs/api/web policy is used")
	fs.StringVar(&o.policy.Listen, "listen", d.Listen, "Address and port for the gateway to listen on")
	fs.StringVar(&o.policy.AdminListen, "admin-listen", "", "Address for /metrics, /healthz and /readyz; empty disables")
	fs.StringVar(&o.policy.LFSAddress, "lfs-address", d.LFSAddress, "Address of the LFS backend")
	fs.Uint16Var(&o.policy.LFSPort, "lfs-port", d.LFSPort, "Port of the LFS backend")
	fs.StringVar(&o.policy.APIHost, "api-host", d.APIHost, "Hostname of the REST API upstream")
	fs.StringVar(&o.policy.WebHost, "web-host", d.WebHost, "Hostname of the web upstream")
	fs.StringVar(&o.ipFamily, "ip-family", string(d.IPFamily), "Address family for API and web upstreams: any, v4 or v6")
	fs.DurationVar(&o.policy.LFSTimeout, "lfs-timeout", d.LFSTimeout, "Timeout of LFS requests; 0 is unlimited")
	fs.DurationVar(&o.policy.HTTPTimeout, "http-timeout", d.HTTPTimeout, "Timeout of API and web requests; 0 is unlimited")
	fs.StringSliceVar(&o.policy.StripHeaders, "strip-header", d.StripHeaders, "Request headers removed before forwarding to API and web")
	fs.StringSliceVar(&o.policy.Nameservers, "nameserver", nil, "DNS server (host[:port]) for upstream resolution; repeatable, default is the system resolver")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
}

// loadConfig reads --config when given and applies listener flags on top,
// otherwise builds the default policy from the flags.
func (o *options) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	if o.configPath == "" {
		fam, err := config.ParseIPFamily(o.ipFamily)
		if err != nil {
			return nil, fmt.Errorf("--ip-family: %w", err)
		}
		p := o.policy
		p.IPFamily = fam
		return config.Default(p)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("listen") {
		cfg.Listen = o.policy.Listen
	}
	if fs.Changed("admin-listen") {
		cfg.Admin.Address = o.policy.AdminListen
	}
	if fs.Changed("nameserver") {
		cfg.DNS.Nameservers = o.policy.Nameservers
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "lfs-gateway",
		Short: "Reverse proxy splitting Git LFS, API and web traffic across upstreams",
		Long: `lfs-gateway fronts a Git LFS backend together with a GitHub-compatible
forge. Requests under <owner>/<repo>.git/info/lfs go to the LFS backend,
/api/v<N>/ requests go to the REST API with the version prefix removed, and
everything else goes to the web upstream. Rules are evaluated in order and
the first match wins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(o), newMatchCommand(o), newVersionCommand())
	return cmd
}

func newServeCommand(o *options) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
			if err != nil {
				return err
			}
			cfg, err := o.loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			srv, err := server.New(server.Options{
				Config:          cfg,
				ConfigPath:      o.configPath,
				Logger:          logger,
				ShutdownTimeout: shutdownTimeout,
			})
			if err != nil {
				return err
			}
			logger.Info("starting lfs-gateway", "version", version.Value, "config", o.configPath)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for in-flight requests to finish on shutdown")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lfs-gateway %s\n", version.Value)
		},
	}
}
