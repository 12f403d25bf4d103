// namesake is a DNS proxy that answers from a local rule table and forwards
// everything else upstream, following CNAMEs on the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	namesake "github.com/BackSlasher/dns-namesake"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type options struct {
	namesake.Settings
	upstreams []string
}

func main() {
	settings, err := namesake.LoadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd(settings).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(settings namesake.Settings) *cobra.Command {
	opts := &options{Settings: settings}
	root := &cobra.Command{
		Use:          "namesake",
		Short:        "DNS proxy with rule based name rewriting",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.LogLevel)
		},
	}
	root.PersistentFlags().StringVarP(&opts.Config, "config", "c", opts.Config, "rules file")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSliceVarP(&opts.upstreams, "upstream", "u", nil, "extra upstream server, tried after those in the rules file")
	root.AddCommand(newServeCmd(opts), newQueryCmd(opts))
	return root
}

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve DNS on UDP and TCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			chain, err := buildChain(ctx, opts)
			if err != nil {
				return err
			}
			handler := &namesake.Handler{Resolver: chain, BaseContext: ctx}
			return namesake.NewServer(opts.Listen, handler).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&opts.Listen, "listen", "l", opts.Listen, "address to listen on")
	return cmd
}

func newQueryCmd(opts *options) *cobra.Command {
	var trace bool
	cmd := &cobra.Command{
		Use:   "query NAME [TYPE]",
		Short: "Resolve a name through the chain and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qtype := dns.TypeA
			if len(args) > 1 {
				var ok bool
				if qtype, ok = dns.StringToType[strings.ToUpper(args[1])]; !ok {
					return fmt.Errorf("unknown record type %q", args[1])
				}
			}
			ctx := cmd.Context()
			chain, err := buildChain(ctx, opts)
			if err != nil {
				return err
			}
			if trace {
				ctx = namesake.WithTrace(ctx, cmd.ErrOrStderr())
			}
			req := new(dns.Msg)
			req.SetQuestion(dns.Fqdn(args[0]), qtype)
			msg := (&namesake.Handler{Resolver: chain}).Reply(ctx, req)
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", true, "write a resolution trace to stderr")
	return cmd
}

func buildChain(ctx context.Context, opts *options) (*namesake.ChainResolver, error) {
	cfg, err := namesake.LoadConfig(opts.Config)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || len(opts.upstreams) == 0 {
			return nil, err
		}
		log.Warn().Str("config", opts.Config).Msg("rules file not found, forwarding only")
		cfg = &namesake.Config{}
	}
	if len(opts.upstreams) > 0 {
		cfg.Upstreams = append(cfg.Upstreams, namesake.UpstreamConfig{Servers: opts.upstreams})
	}
	chain, err := cfg.Build(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("resolvers", len(chain.Resolvers)).
		Int("max_queries", chain.MaxQueries).
		Msg("resolver chain ready")
	return chain, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}
