package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/linkmux/le"
	"github.com/srg/linkmux/le/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for Bluetooth Low Energy peripherals advertising the
transport service and display their addresses, names, and signal
strength.`,
	RunE: runScanCmd,
}

var (
	scanDuration time.Duration
	scanService  string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanService, "service", "s", le.DefaultServiceID, "Service UUID to scan for")
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "V", false, "Enable verbose output")
}

// advCollector records the latest advertisement per address. Only the
// discovery callback is used; the rest of the event sink is inert.
type advCollector struct {
	mu    sync.Mutex
	seen  map[string]le.Advertisement
	times map[string]time.Time
}

func newAdvCollector() *advCollector {
	return &advCollector{
		seen:  make(map[string]le.Advertisement),
		times: make(map[string]time.Time),
	}
}

func (c *advCollector) OnDeviceDiscovered(adv le.Advertisement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[adv.Address] = adv
	c.times[adv.Address] = time.Now()
}

func (c *advCollector) OnAdapterStateChanged(enabled bool)             {}
func (c *advCollector) OnConnected(address string)                     {}
func (c *advCollector) OnDisconnected(address string)                  {}
func (c *advCollector) OnServicesDiscovered(address string, err error) {}
func (c *advCollector) OnDataReceived(address string, data []byte)     {}

func (c *advCollector) snapshot() ([]le.Advertisement, map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	advs := make([]le.Advertisement, 0, len(c.seen))
	for _, adv := range c.seen {
		advs = append(advs, adv)
	}
	times := make(map[string]time.Time, len(c.times))
	for k, v := range c.times {
		times[k] = v
	}
	return advs, times
}

func runScanCmd(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	platform := goble.New(&goble.Options{Logger: logger})
	if err := platform.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize BLE stack: %w", err)
	}
	defer platform.Terminate()

	collector := newAdvCollector()
	platform.SetEvents(collector)

	if err := platform.StartScan(scanService); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	fmt.Println("Scanning for peripherals, Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if scanDuration > 0 {
		select {
		case <-sigCh:
		case <-time.After(scanDuration):
		}
	} else {
		<-sigCh
	}

	if err := platform.StopScan(); err != nil {
		return err
	}

	return displayAdvertisements(collector)
}

func displayAdvertisements(c *advCollector) error {
	advs, times := c.snapshot()
	if len(advs) == 0 {
		fmt.Println("No peripherals discovered")
		return nil
	}

	sort.Slice(advs, func(i, j int) bool {
		return advs[i].Address < advs[j].Address
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, adv := range advs {
		name := adv.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(adv.ServiceIDs, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := time.Since(times[adv.Address]).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			adv.Address, name, adv.RSSI, services, lastSeen)
	}
	return w.Flush()
}
