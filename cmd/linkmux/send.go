package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/linkmux/ip"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [address] <message>",
	Short: "Send a UDP payload to a peer or the multicast group",
	Long: `Send a payload through the WiFi UDP adapter.

With an address argument the payload goes to that peer on the unicast
port (an explicit "host:port" address overrides the port). With
--multicast the address is omitted and the payload goes to the
multicast group.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendMulticast bool
	sendServiceID string
	sendVerbose   bool
)

func init() {
	sendCmd.Flags().BoolVarP(&sendMulticast, "multicast", "m", false, "Send to the multicast group")
	sendCmd.Flags().StringVar(&sendServiceID, "service", "default", "Service identifier attached to the payload")
	sendCmd.Flags().BoolVarP(&sendVerbose, "verbose", "V", false, "Enable verbose output")
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendMulticast && len(args) != 1 {
		return fmt.Errorf("multicast send takes only the message argument")
	}
	if !sendMulticast && len(args) != 2 {
		return fmt.Errorf("unicast send requires an address and a message")
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// The sender binds an ephemeral port so it can coexist with a
	// listener on the same host.
	cfg.UnicastPort = 0
	cmd.SilenceUsage = true

	adapter := ip.New(&ip.Options{Config: cfg, Logger: logger})
	if err := adapter.Initialize(newPrintingHandler()); err != nil {
		return err
	}
	defer adapter.Terminate()

	if err := adapter.Start(); err != nil {
		return err
	}

	var n int
	if sendMulticast {
		n, err = adapter.SendMulticast(sendServiceID, []byte(args[0]))
	} else {
		n, err = adapter.SendUnicast(args[0], sendServiceID, []byte(args[1]))
	}
	if err != nil {
		return err
	}

	// Let the send worker drain before teardown.
	deadline := time.Now().Add(2 * time.Second)
	for adapter.QueuedSends() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	fmt.Printf("Queued %d bytes\n", n)
	return nil
}
