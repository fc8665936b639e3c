package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/config"
)

func (a *app) keygenCmd() *cobra.Command {
	var (
		newSecret bool
		ttl       time.Duration
		check     string
	)
	cmd := &cobra.Command{
		Use:   "keygen [PLAYER]",
		Short: "Issue or check activation keys",
		Long: "keygen issues an activation key for PLAYER signed with auth.secret. " +
			"--new-secret prints a fresh secret instead; --check verifies a key.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if newSecret {
				secret, err := auth.GenerateSecret()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, secret)
				return err
			}

			keys, err := auth.NewKeys(a.cfg.Auth.Secret)
			if err != nil {
				return fmt.Errorf("%w (set %s or DDNET_AUTH_SECRET)", err, config.KeyAuthSecret)
			}
			if check != "" {
				player, err := keys.Subject(check)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "valid key for %s\n", player)
				return err
			}
			if len(args) == 0 {
				return errors.New("player name required")
			}
			key, err := keys.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, key)
			return err
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&newSecret, "new-secret", false, "print a new random signing secret")
	flags.DurationVar(&ttl, "ttl", 0, "key lifetime (0 never expires)")
	flags.StringVar(&check, "check", "", "validate this key and print its player")
	flags.String("secret", "", "signing secret")
	a.bind(flags, "secret", config.KeyAuthSecret)
	return cmd
}
