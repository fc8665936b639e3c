package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/config"
	"github.com/chronologos/ddnet/internal/logging"
)

// app is shared by every subcommand. cfg is filled in before any RunE.
type app struct {
	v   *viper.Viper
	cfg config.Config

	// onListen, when set, receives the address each server bound.
	onListen func(name, addr string)
}

func newRootCmd() *cobra.Command {
	return newApp().rootCmd()
}

func newApp() *app {
	return &app{v: viper.New()}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ddnet",
		Short:        "Peer transport, LAN presence and online game coordination",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logging.SetDebug(cfg.Debug)
			return nil
		},
	}
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	a.bind(root.PersistentFlags(), "debug", config.KeyDebug)

	root.AddCommand(
		a.serveCmd(),
		a.lanCmd(),
		a.sendCmd(),
		a.playCmd(),
		a.keygenCmd(),
		newVersionCmd(),
	)
	return root
}

// bind ties a flag to a config key. Keys are bound by one command only.
func (a *app) bind(flags *pflag.FlagSet, name, key string) {
	if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
		panic(err)
	}
}

func (a *app) listening(name, addr string) {
	if a.onListen != nil {
		a.onListen(name, addr)
	}
}

// validator checks activation keys against auth.secret, or accepts all
// keys when no secret is configured.
func (a *app) validator() (auth.KeyValidator, error) {
	if a.cfg.Auth.Secret == "" {
		return auth.AllowAll{}, nil
	}
	return auth.NewKeys(a.cfg.Auth.Secret)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// runAll runs every fn until the first one fails or ctx ends, then cancels
// the rest and waits for them.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(fns))
	for _, fn := range fns {
		go func() { errs <- fn(ctx) }()
	}
	var first error
	for range fns {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}
