package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/chronologos/ddnet/internal/auth"
	"github.com/chronologos/ddnet/internal/config"
	"github.com/chronologos/ddnet/internal/lobby"
	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/multicast"
	"github.com/chronologos/ddnet/internal/presence"
)

func (a *app) lanCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "lan",
		Short: "Announce this peer on the LAN and show who else is there",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return a.lan(ctx, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&duration, "for", 0, "leave after this long (0 runs until interrupted)")
	flags.String("player", "", "player name to announce")
	flags.Bool("continuous", false, "keep sending heartbeats instead of bursts")
	flags.Bool("allow-duplicate", false, "do not check for other instances with our key or address")
	flags.String("group", "", "multicast group")
	flags.Int("port", 0, "multicast port")
	flags.Int("ttl", 0, "multicast TTL")
	flags.String("interface", "", "network interface to join on")
	a.bind(flags, "player", config.KeyPresencePlayer)
	a.bind(flags, "continuous", config.KeyPresenceContinuous)
	a.bind(flags, "allow-duplicate", config.KeyPresenceAllowDuplicate)
	a.bind(flags, "group", config.KeyMulticastGroup)
	a.bind(flags, "port", config.KeyMulticastPort)
	a.bind(flags, "ttl", config.KeyMulticastTTL)
	a.bind(flags, "interface", config.KeyMulticastInterface)
	return cmd
}

func (a *app) lan(ctx context.Context, out io.Writer) error {
	l, err := a.joinLAN(nil)
	if err != nil {
		return err
	}
	defer l.Close()

	reg := l.mgr.Registry()
	var mu sync.Mutex
	reg.AddListener(func(ev presence.Event) {
		if ev.Kind == presence.Heartbeat {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprint(out, eventLine(ev))
		fmt.Fprint(out, peerTable(reg.List()))
	})

	fmt.Fprint(out, pterm.Info.Sprintfln("announcing %q on %s", l.player, l.ch.Group()))
	tasks := []func(context.Context) error{l.run}
	if a.cfg.LobbyAddr != "" {
		tasks = append(tasks, l.serveLobby(a, a.cfg.LobbyAddr))
	}
	return runAll(ctx, tasks...)
}

func eventLine(ev presence.Event) string {
	rec := ev.Record
	switch ev.Kind {
	case presence.Joined:
		return pterm.Success.Sprintfln("%s joined from %s (%s)", rec.PlayerName, rec.HostName, rec.Addr)
	case presence.Left:
		return pterm.Warning.Sprintfln("%s left", rec.PlayerName)
	case presence.TimedOut:
		return pterm.Warning.Sprintfln("%s timed out", rec.PlayerName)
	default:
		return pterm.Info.Sprintfln("%s %s", rec.PlayerName, ev.Kind)
	}
}

func peerTable(recs []presence.Record) string {
	if len(recs) == 0 {
		return pterm.Info.Sprintln("no peers")
	}
	data := pterm.TableData{{"Player", "Host", "Address", "Up", "Last seen"}}
	for _, r := range recs {
		data = append(data, []string{
			r.PlayerName,
			r.HostName,
			r.Addr,
			(time.Duration(r.AliveMillis) * time.Millisecond).Round(time.Second).String(),
			r.LastSeen.Format("15:04:05"),
		})
	}
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return ""
	}
	return s + "\n"
}

// lanSession is a joined multicast group with a presence manager on it.
type lanSession struct {
	ch        *multicast.Channel
	mgr       *presence.Manager
	validator auth.KeyValidator
	player    string
}

func (a *app) joinLAN(gameData func() []byte) (*lanSession, error) {
	cfg := a.cfg
	validator, err := a.validator()
	if err != nil {
		return nil, err
	}

	mc := cfg.Multicast
	mc.Log = logging.New("multicast")
	ch, err := multicast.Join(mc)
	if err != nil {
		return nil, err
	}

	log := logging.New("presence")
	player := cfg.Presence.Player
	if player == "" {
		player = defaultPlayerName()
	}
	mgr := presence.NewManager(ch, presence.Config{
		Key:            cfg.Auth.Key,
		PlayerName:     player,
		Heartbeat:      cfg.Presence.Heartbeat,
		Burst:          cfg.Presence.Burst,
		Continuous:     cfg.Presence.Continuous,
		AllowDuplicate: cfg.Presence.AllowDuplicate,
		Validator:      validator,
		GameData:       gameData,
		OnDuplicateKey: func(r presence.Record) {
			log.Warn("an older instance is using our key", "player", r.PlayerName, "host", r.HostName, "addr", r.Addr)
		},
		OnDuplicateIP: func(r presence.Record) {
			log.Warn("an older instance is running on our address", "player", r.PlayerName, "addr", r.Addr)
		},
		Log: log,
	})
	return &lanSession{ch: ch, mgr: mgr, validator: validator, player: player}, nil
}

// run receives and beats until ctx ends. The receive loop outlives the
// manager so its GOODBYE still goes out.
func (l *lanSession) run(ctx context.Context) error {
	recvCtx, stopRecv := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.ch.Run(recvCtx) }()

	err := l.mgr.Run(ctx)
	stopRecv()
	if recvErr := <-done; err == nil {
		err = recvErr
	}
	return err
}

func (l *lanSession) serveLobby(a *app, addr string) func(context.Context) error {
	return func(ctx context.Context) error {
		feed := lobby.NewFeed(lobby.Config{
			Registry:  l.mgr.Registry(),
			Validator: l.validator,
			Log:       logging.New("lobby"),
		})
		ready := make(chan string, 1)
		go func() {
			select {
			case bound := <-ready:
				a.listening("lobby", bound)
			case <-ctx.Done():
			}
		}()
		return lobby.ListenAndServe(ctx, addr, feed, ready)
	}
}

func (l *lanSession) Close() error { return l.ch.Close() }

func defaultPlayerName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return strings.TrimSuffix(h, ".local")
	}
	return "player"
}
