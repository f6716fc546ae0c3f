// netbench measures echo round trips against a running netserver using many
// concurrent event-driven clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/skshohagmiah/packetnet/internal/demo"
	"github.com/skshohagmiah/packetnet/internal/logging"
)

var (
	host     = flag.String("host", "127.0.0.1", "Server host")
	port     = flag.Int("port", demo.DefaultPort, "Server port")
	clients  = flag.Int("clients", 64, "Concurrent connections")
	window   = flag.Int("window", 16, "Packets in flight per connection")
	payload  = flag.Int("payload", 64, "Payload bytes per packet")
	duration = flag.Duration("duration", 10*time.Second, "Benchmark duration")
)

func main() {
	flag.Parse()

	logCfg := logging.DefaultConfig("netbench")
	logCfg.Level = "warn"
	logCfg.Out = os.Stderr
	logger := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.DefaultHeader.Println("packetnet echo benchmark")
	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("%d clients, window %d, %d byte payload, %v",
		*clients, *window, *payload, *duration))

	res, err := runBench(ctx, benchConfig{
		Host:        *host,
		Port:        *port,
		Clients:     *clients,
		Window:      *window,
		PayloadSize: *payload,
		Duration:    *duration,
		Logger:      logger,
	})
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success("done")

	pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"Clients", "Failed", "Sent", "Echoed", "Bytes", "Round trips/sec"},
		{
			fmt.Sprint(res.Clients),
			fmt.Sprint(res.Failed),
			humanize.Comma(res.Sent),
			humanize.Comma(res.Received),
			humanize.Bytes(uint64(res.Bytes)),
			humanize.CommafWithDigits(res.Throughput, 1),
		},
	}).Render()
}
