package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chronologos/ddnet/internal/logging"
	"github.com/chronologos/ddnet/internal/peer"
	"github.com/chronologos/ddnet/internal/protocol"
	"github.com/chronologos/ddnet/internal/transport"
)

type sendOptions struct {
	mode     string
	test     string
	category int
	game     string
	from     int32
	key      string
	seq      int64
	pass     string
	text     string
	ids      []int
	set      []string
	noReply  bool
}

func (a *app) sendCmd() *cobra.Command {
	var o sendOptions
	cmd := &cobra.Command{
		Use:   "send ADDR",
		Short: "Send one message, or a TEST frame, to a server",
		Example: `  ddnet send 127.0.0.1:11890 --test hello
  ddnet send 127.0.0.1:11890 --category 1 --key host-key --set nm=ann,bob --set em=ann@x.org,bob@x.org
  ddnet send 127.0.0.1:11890 --category 6 --game G --from 0 --pass PW --ids 1 --text hi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd.Context(), cmd.OutOrStdout(), args[0], o)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.mode, "mode", "", "transport: tcp or quic (default from server.mode)")
	flags.StringVar(&o.test, "test", "", "send a TEST frame with this payload and print the echo")
	flags.IntVar(&o.category, "category", int(protocol.CatServerQuery), "message category")
	flags.StringVar(&o.game, "game", "", "game id")
	flags.Int32Var(&o.from, "from", protocol.PlayerUndefined, "sender player index")
	flags.StringVar(&o.key, "key", "", "client key")
	flags.Int64Var(&o.seq, "seq", 0, "sequence number")
	flags.StringVar(&o.pass, "pass", "", "player password")
	flags.StringVar(&o.text, "text", "", "text field")
	flags.IntSliceVar(&o.ids, "ids", nil, "player ids")
	flags.StringArrayVar(&o.set, "set", nil, "extra field as name=value; comma separated values become lists")
	flags.BoolVar(&o.noReply, "no-reply", false, "do not wait for a reply")
	return cmd
}

func (o sendOptions) message() (*protocol.Message, error) {
	m := protocol.NewMessage(protocol.Category(o.category), o.game, o.from)
	m.Key, m.Seq = o.key, o.seq
	if o.pass != "" {
		m.Set(protocol.FieldPassword, o.pass)
	}
	if o.text != "" {
		m.Set(protocol.FieldText, o.text)
	}
	if o.ids != nil {
		m.Set(protocol.FieldPlayerIDs, o.ids)
	}
	if o.noReply {
		m.Set(protocol.FieldNoReply, true)
	}
	for _, kv := range o.set {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: want name=value", kv)
		}
		m.Set(name, parseValue(value))
	}
	return m, nil
}

// parseValue guesses a field type: ints, bools, comma separated lists of
// ints or strings, otherwise a string.
func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if !strings.Contains(s, ",") {
		return s
	}
	parts := strings.Split(s, ",")
	ints := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return parts
		}
		ints = append(ints, n)
	}
	return ints
}

func (a *app) send(ctx context.Context, out io.Writer, addr string, o sendOptions) error {
	mode := a.cfg.Server.Mode
	if o.mode != "" {
		var err error
		if mode, err = transport.ParseDialMode(o.mode); err != nil {
			return err
		}
	}
	log := logging.New("send")

	if o.test != "" {
		c := peer.NewClient(peer.ClientConfig{Addr: addr, Mode: mode, Options: a.cfg.Transport, Log: log})
		defer c.Close()
		echo, err := c.Test(ctx, []byte(o.test))
		if err != nil {
			return fmt.Errorf("%s: %w", peer.StatusOf(err), err)
		}
		_, err = fmt.Fprintf(out, "echo: %s\n", echo)
		return err
	}

	msg, err := o.message()
	if err != nil {
		return err
	}
	m := peer.NewMessenger(mode, a.cfg.Transport, log)
	defer m.Close()

	if o.noReply {
		if status, err := m.Notify(ctx, addr, msg); err != nil {
			return fmt.Errorf("%s: %w", status, err)
		}
		_, err := fmt.Fprintln(out, "sent")
		return err
	}

	reply, status, err := m.Exchange(ctx, addr, msg)
	if err != nil {
		return fmt.Errorf("%s: %w", status, err)
	}
	printMessage(out, reply, "")
	if status == peer.StatusServerError {
		return errors.New(reply.String(protocol.FieldError))
	}
	return nil
}

func printMessage(out io.Writer, m *protocol.Message, indent string) {
	fmt.Fprintf(out, "%s%s\n", indent, m.Summary())
	for _, name := range m.FieldNames() {
		switch v := m.Field(name).(type) {
		case *protocol.Message:
			fmt.Fprintf(out, "%s  %s:\n", indent, name)
			printMessage(out, v, indent+"    ")
		case []*protocol.Message:
			fmt.Fprintf(out, "%s  %s: %d messages\n", indent, name, len(v))
			for _, sub := range v {
				printMessage(out, sub, indent+"    ")
			}
		case []byte:
			fmt.Fprintf(out, "%s  %s: %d bytes\n", indent, name, len(v))
		default:
			fmt.Fprintf(out, "%s  %s: %v\n", indent, name, v)
		}
	}
	for _, sub := range m.Attached {
		fmt.Fprintf(out, "%s  attached:\n", indent)
		printMessage(out, sub, indent+"    ")
	}
}
