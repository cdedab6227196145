package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/linkmux/ca"
	"github.com/srg/linkmux/ip"
)

// listenCmd represents the listen command
var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen for UDP datagrams",
	Long: `Bring up the WiFi UDP adapter in server mode and print every
datagram arriving on the unicast port or the multicast group until
interrupted.`,
	RunE: runListen,
}

var listenVerbose bool

func init() {
	listenCmd.Flags().BoolVarP(&listenVerbose, "verbose", "V", false, "Enable verbose output")
}

// printingHandler writes received packets to stdout.
type printingHandler struct {
	addrColor *color.Color
	dimColor  *color.Color
}

func newPrintingHandler() *printingHandler {
	h := &printingHandler{
		addrColor: color.New(color.FgCyan),
		dimColor:  color.New(color.Faint),
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	return h
}

func (h *printingHandler) OnPacketReceived(remote ca.Endpoint, data []byte) {
	ts := time.Now().Format(time.RFC3339)
	fmt.Printf("%s %s %s %q\n",
		h.dimColor.Sprint(ts),
		h.addrColor.Sprint(remote.String()),
		h.dimColor.Sprintf("(%d bytes)", len(data)),
		string(data))
}

func (h *printingHandler) OnNetworkStatusChanged(local ca.Endpoint, status ca.NetworkStatus) {
	fmt.Printf("%s network %s on %s\n",
		h.dimColor.Sprint(time.Now().Format(time.RFC3339)),
		status, h.addrColor.Sprint(local.String()))
}

func runListen(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	adapter := ip.New(&ip.Options{Config: cfg, Logger: logger})
	if err := adapter.Initialize(newPrintingHandler()); err != nil {
		return err
	}
	defer adapter.Terminate()

	if err := adapter.Start(); err != nil {
		return err
	}
	if err := adapter.StartServer(); err != nil {
		return err
	}

	fmt.Printf("Listening on %s (multicast %s:%d), Ctrl+C to stop\n",
		adapter.UnicastAddr(), cfg.MulticastAddr, cfg.MulticastPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh

	fmt.Println("\nStopping...")
	return nil
}
