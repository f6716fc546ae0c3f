// netclient is a console chat client for netserver. It runs the polling
// client on a fixed tick: every line typed on stdin is sent as a chat
// message, /ping sends a ping and /quit leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/internal/config"
	"github.com/skshohagmiah/packetnet/internal/demo"
	"github.com/skshohagmiah/packetnet/internal/logging"
	"github.com/skshohagmiah/packetnet/pkg/client"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

const tick = 50 * time.Millisecond

var (
	configPath = flag.String("config", "", "TOML configuration file; host and port are read from it")
	host       = flag.String("host", "127.0.0.1", "Server host")
	port       = flag.Int("port", demo.DefaultPort, "Server port")
	nickname   = flag.String("nick", "", "Chat nickname (defaults to $USER)")
	logLevel   = flag.String("log-level", "warn", "Log level")
)

func main() {
	flag.Parse()

	if err := applyConfig(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	nick := *nickname
	if nick == "" {
		nick = os.Getenv("USER")
	}
	if nick == "" {
		nick = "guest"
	}

	logCfg := logging.DefaultConfig("netclient")
	logCfg.Level = *logLevel
	logCfg.Out = os.Stderr
	logger := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Printfln("connecting to %s:%d as %s", *host, *port, nick)
	if err := run(ctx, nick, logger); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, nick string, logger zerolog.Logger) error {
	c := client.NewPolling(client.WithLogger(logging.Component(logger, "client")))
	defer c.Close()

	if err := c.Connect(*host, *port); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(lines)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var box outbox
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			for _, l := range box.push(line) {
				if err := sendLine(c, l); err != nil {
					pterm.Warning.Println(err)
				}
			}

		case <-ticker.C:
			switch c.Update() {
			case client.StateConnectFailed:
				return fmt.Errorf("could not connect to %s:%d", *host, *port)
			case client.StateDisconnected:
				pterm.Warning.Println("disconnected by server")
				return nil
			case client.StateConnected:
				if !box.ready {
					c.StartReceive()
					if err := login(c, nick); err != nil {
						return err
					}
					for _, l := range box.open() {
						if err := sendLine(c, l); err != nil {
							pterm.Warning.Println(err)
						}
					}
				}
				for _, pkt := range c.DrainReceived() {
					pterm.Println(demo.Describe(pkt, 0))
				}
			}
		}
	}
}

// outbox holds typed lines until the login has gone out; the room drops
// anyone who chats before logging in.
type outbox struct {
	ready   bool
	pending []string
}

// push returns the lines that may be sent now.
func (o *outbox) push(line string) []string {
	if !o.ready {
		o.pending = append(o.pending, line)
		return nil
	}
	return []string{line}
}

// open marks the login as sent and returns the held lines in typing order.
func (o *outbox) open() []string {
	o.ready = true
	held := o.pending
	o.pending = nil
	return held
}

// applyConfig takes host and port from the config file unless given as flags.
func applyConfig() error {
	if *configPath == "" {
		return nil
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["host"] {
		*host = cfg.Host
	}
	if !set["port"] {
		*port = cfg.Port
	}
	return nil
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

func login(c *client.PollingClient, nick string) error {
	pkt, err := demo.Encode(demo.ProtocolLogin, demo.LoginRequest{Nickname: nick})
	if err != nil {
		return err
	}
	return c.Send(pkt)
}

func sendLine(c *client.PollingClient, line string) error {
	if line == "/ping" {
		return c.Send(protocol.NewPacketWithProtocol(demo.ProtocolPing))
	}
	pkt, err := demo.Encode(demo.ProtocolChat, demo.ChatRequest{Message: line})
	if err != nil {
		return err
	}
	return c.Send(pkt)
}
