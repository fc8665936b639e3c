package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chronologos/ddnet/internal/client"
	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/peer"
	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

type playOptions struct {
	mode  string
	game  string
	join  string
	seats []int
	pass  string
	key   string
	to    []int
	say   []string
	once  bool
}

func (a *app) playCmd() *cobra.Command {
	var o playOptions
	cmd := &cobra.Command{
		Use:   "play ADDR",
		Short: "Poll a game for messages and send chat",
		Long: `Poll a game on a coordinator, printing every message queued for the
held seats and every change of the current action. Lines read from
standard input are sent as chat to the --to seats.`,
		Example: `  ddnet play 127.0.0.1:11890 --game G --join bob@x.org --pass PW --key K
  ddnet play 127.0.0.1:11890 --game G --seats 0 --pass PW --to 1 --say hi --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.key == "" {
				o.key = a.cfg.Auth.Key
			}
			return a.play(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], o)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.mode, "mode", "", "transport: tcp or quic (default from server.mode)")
	flags.StringVar(&o.game, "game", "", "game id")
	flags.StringVar(&o.join, "join", "", "join the game first with this email")
	flags.IntSliceVar(&o.seats, "seats", nil, "seats already held")
	flags.StringVar(&o.pass, "pass", "", "seat password")
	flags.StringVar(&o.key, "key", "", "activation key (default auth.key)")
	flags.IntSliceVar(&o.to, "to", nil, "seats chat is sent to")
	flags.StringArrayVar(&o.say, "say", nil, "chat to send at start")
	flags.BoolVar(&o.once, "once", false, "poll once and exit")
	_ = cmd.MarkFlagRequired("game")
	return cmd
}

func (a *app) play(ctx context.Context, in io.Reader, out io.Writer, addr string, o playOptions) error {
	mode := a.cfg.Server.Mode
	if o.mode != "" {
		var err error
		if mode, err = transport.ParseDialMode(o.mode); err != nil {
			return err
		}
	}
	log := logging.New("play")

	if o.join != "" {
		pc := peer.NewClient(peer.ClientConfig{Addr: addr, Mode: mode, Options: a.cfg.Transport, Log: log})
		info, err := client.JoinGame(ctx, pc, o.game, o.join, o.pass, o.key, "")
		pc.Close()
		if err != nil {
			return err
		}
		o.seats, o.pass = info.Seats, info.Password
		fmt.Fprint(out, pterm.Success.Sprintfln("joined %s as seats %v", info.GameID, info.Seats))
	}
	if len(o.seats) == 0 {
		return errors.New("no seats: pass --seats or --join")
	}

	var mu sync.Mutex
	c := client.New(client.Config{
		Addr:     addr,
		Mode:     mode,
		Options:  a.cfg.Transport,
		GameID:   o.game,
		Seats:    o.seats,
		Password: o.pass,
		Key:      o.key,
		Log:      log,
		Deliver: func(seat int, msg *protocol.Message) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprint(out, messageLine(seat, msg))
		},
		OnAction: func(item *game.ActionItem) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprint(out, actionLine(item))
		},
	})
	defer c.Close()

	say := func(text string) {
		c.Queue(protocol.NewMessage(protocol.CatChat, "", protocol.PlayerUndefined).
			Set(protocol.FieldPlayerIDs, o.to).
			Set(protocol.FieldText, text))
	}
	if len(o.say) > 0 && len(o.to) == 0 {
		return errors.New("--say needs --to")
	}
	for _, text := range o.say {
		say(text)
	}

	if o.once {
		_, err := c.PollOnce(ctx)
		return err
	}

	if len(o.to) > 0 {
		go func() {
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				if line := sc.Text(); line != "" {
					say(line)
				}
			}
		}()
	}
	return c.Run(ctx)
}

func messageLine(seat int, msg *protocol.Message) string {
	switch msg.Category {
	case protocol.CatChat:
		return pterm.Info.Sprintfln("[seat %d] %d says: %s", seat, msg.From, msg.String(protocol.FieldText))
	default:
		return pterm.Info.Sprintfln("[seat %d] %s", seat, msg.Summary())
	}
}

func actionLine(item *game.ActionItem) string {
	if item.Done() {
		return pterm.Success.Sprintfln("action %d complete", item.ID)
	}
	var waiting []int
	for _, id := range item.Players() {
		if acted, _ := item.HasActed(id); !acted {
			waiting = append(waiting, id)
		}
	}
	return pterm.Warning.Sprintfln("action %d: waiting for seats %v", item.ID, waiting)
}
