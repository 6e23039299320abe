package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yixinin/pairup/capture"
	"github.com/yixinin/pairup/connection"
	"github.com/yixinin/pairup/ice"
	"github.com/yixinin/pairup/peer"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
	"golang.org/x/term"
)

var errNoRelay = errors.New("no relay address, set relay in the config, PAIRUP_RELAY or --relay")

var (
	relayFlag string
	videoFlag bool
)

var hostCmd = &cobra.Command{
	Use:   "host <session>",
	Short: "Open a room as the initiator; without a relay address a relay is served in process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args[0], proto.Initiator)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <session>",
	Short: "Join a room as the responder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args[0], proto.Responder)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{hostCmd, joinCmd} {
		cmd.Flags().StringVar(&relayFlag, "relay", "", "relay server address, overrides relay")
		cmd.Flags().BoolVar(&videoFlag, "video", false, "send the local camera")
	}
}

// chatMessage is what the CLI puts on the side transport.
type chatMessage struct {
	Type string    `msgpack:"type"`
	Text string    `msgpack:"text"`
	Sent time.Time `msgpack:"sent"`
}

func runChat(cmd *cobra.Command, session string, role proto.Role) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	if relayFlag != "" {
		cfg.Relay = relayFlag
	}
	if videoFlag {
		cfg.Capture.Video = true
	}

	var store relay.Store
	switch {
	case cfg.Relay != "":
		store = relay.NewRemoteStore(cfg.Relay)
	case role == proto.Initiator:
		local, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		serveInProcess(ctx, local, cfg.Server.Addr)
		store = local
	default:
		return errNoRelay
	}

	opts := []peer.Option{
		peer.WithICE(ice.FromConfig(cfg.ICE)),
		peer.WithLabel(cfg.Label),
		peer.WithLogger(logrus.WithField("component", "peer")),
	}
	var src *capture.Source
	if cfg.Capture.Video {
		if newCodecSelector == nil {
			return errors.New("video needs a build with -tags x264")
		}
		selector, err := newCodecSelector(cfg.Capture)
		if err != nil {
			return err
		}
		api, err := capture.API(selector)
		if err != nil {
			return err
		}
		opts = append(opts, peer.WithAPI(api))
		src, err = capture.Open(cfg.Capture, selector)
		if err != nil {
			return err
		}
		defer src.Close()
	}

	out := cmd.OutOrStdout()
	p := peer.New(store, opts...)
	defer p.Disconnect()
	if src != nil {
		if err := p.AttachLocalMedia(src.Tracks()...); err != nil {
			return err
		}
	}
	p.OnStateChange(func(s connection.State) {
		fmt.Fprintln(out, MutedStyle.Render("* "+s.String()))
	})
	p.OnError(func(err error) {
		fmt.Fprintln(out, ErrorStyle.Render("! "+err.Error()))
	})
	p.OnRemoteMedia(func(track *webrtc.TrackRemote) {
		fmt.Fprintln(out, MutedStyle.Render(fmt.Sprintf("* remote %s track %s", track.Kind(), track.ID())))
		go drain(track)
	})
	p.Receive(func(payload connection.Payload) {
		var msg chatMessage
		if err := payload.Decode(&msg); err != nil {
			logrus.Warnf("decode chat message error:%v", err)
			return
		}
		fmt.Fprintf(out, "%s %s\n", PeerStyle.Render(role.Opposite().String()+">"), msg.Text)
	})

	if err := p.Connect(ctx, session, role); err != nil {
		return err
	}
	fmt.Fprintln(out, MutedStyle.Render(fmt.Sprintf("* waiting in %s as %s", session, role)))
	if err := p.WaitConnected(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	fmt.Fprintln(out, SuccessStyle.Render("* connected, /quit to leave"))

	return chat(ctx, p, cmd.InOrStdin(), out)
}

func chat(ctx context.Context, p *peer.Peer, in io.Reader, out io.Writer) error {
	prompt := func() {}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prompt = func() { fmt.Fprint(out, "> ") }
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if strings.TrimSpace(line) != "" {
				err := p.Send(chatMessage{Type: "chat", Text: line, Sent: time.Now()})
				if err != nil {
					fmt.Fprintln(out, ErrorStyle.Render("! "+err.Error()))
				}
			}
			prompt()
		}
	}
}

// drain keeps remote media flowing; rendering is left to other tools.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			logrus.Debugf("remote track %s ended:%v", track.ID(), err)
			return
		}
	}
}
