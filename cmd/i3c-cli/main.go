// Command i3c-cli is a flag-driven diagnostic tool for talking to a
// USB-I3C bridge directly, in the same phase-by-phase style as the
// teacher's own direct-USB monitor tool: open the context, open the
// device, run one requested action, print what happened.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"usbi3c/internal/config"
	"usbi3c/internal/i3c/device"
	"usbi3c/internal/i3c/targettable"
	"usbi3c/internal/i3c/transport/gousbtransport"
	"usbi3c/internal/i3c/wire"

	"github.com/google/gousb"
)

func main() {
	fmt.Println("usbi3c-cli: USB-I3C bridge diagnostic tool")
	fmt.Println("===========================================")

	vendorID := flag.String("vendor", "", "USB vendor ID, hex (overrides config/.env)")
	productID := flag.String("product", "", "USB product ID, hex (overrides config/.env)")
	timeout := flag.Duration("timeout", 10*time.Second, "initialization timeout")
	listDevices := flag.Bool("devices", false, "list the target device table and exit")
	sendHex := flag.String("send", "", "send one I3C command: comma-separated hex command code,target address,payload-hex")
	enableHotJoin := flag.Bool("enable-hot-join", false, "enable the hot-join feature on the bus")
	enableIBI := flag.String("enable-ibi", "", "enable regular IBI for the target at this hex address")
	watch := flag.Duration("watch", 0, "keep running and print events for this duration (0 disables)")
	flag.Parse()

	fmt.Println("Phase 1: Loading configuration...")
	cfg, err := config.LoadBridgeConfig()
	if err != nil {
		fail("loading configuration: %v", err)
	}
	if *vendorID != "" {
		cfg.VendorID = parseHexID(*vendorID)
	}
	if *productID != "" {
		cfg.ProductID = parseHexID(*productID)
	}
	fmt.Printf("  bridge VID:PID = %s:%s\n", cfg.VendorID, cfg.ProductID)

	fmt.Println("Phase 2: Opening bridge...")
	tp, err := gousbtransport.Open(gousbtransport.Config{
		VendorID:      cfg.VendorID,
		ProductID:     cfg.ProductID,
		ConfigNum:     cfg.ConfigNum,
		InterfaceNum:  cfg.InterfaceNum,
		AltSetting:    cfg.AltSetting,
		BulkOutAddr:   gousb.EndpointAddress(cfg.BulkOutAddr),
		BulkInAddr:    gousb.EndpointAddress(cfg.BulkInAddr),
		InterruptAddr: gousb.EndpointAddress(cfg.InterruptAddr),
	})
	if err != nil {
		fail("opening bridge: %v", err)
	}

	fmt.Println("Phase 3: Initializing device...")
	dev := device.Open(tp, cfg.Label, cfg.ReattemptMax)
	defer dev.Close()

	dev.OnBusError(func(code uint16) {
		fmt.Printf("[event] bus error: 0x%04X\n", code)
	})
	dev.OnHotJoin(func(address uint8) {
		fmt.Printf("[event] hot-join: address 0x%02X\n", address)
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = dev.Initialize(ctx)
	cancel()
	if err != nil {
		fail("initializing device: %v", err)
	}
	info := dev.Info()
	fmt.Printf("  state=%s role=%d address=0x%02X\n", dev.State(), info.Role, info.Address)

	switch {
	case *listDevices:
		printDevices(dev)
	case *sendHex != "":
		runSendCommand(dev, *sendHex)
	case *enableHotJoin:
		runEnableHotJoin(dev)
	case *enableIBI != "":
		runEnableIBI(dev, *enableIBI)
	default:
		printDevices(dev)
	}

	if *watch > 0 {
		fmt.Printf("Phase 4: Watching for %s...\n", *watch)
		time.Sleep(*watch)
	}
}

func printDevices(dev *device.Device) {
	table := dev.TargetDevices()
	fmt.Printf("target device table (%d entries):\n", table.Len())
	table.Each(func(d *targettable.Device) {
		fmt.Printf("  0x%02X  pid=%#016x bcr=0x%02X dcr=0x%02X\n", d.Address, d.PID(), d.BCR, d.DCR)
	})
}

func runSendCommand(dev *device.Device, spec string) {
	parts := strings.Split(spec, ",")
	if len(parts) < 2 {
		fail("--send expects commandcode,address[,payload-hex]")
	}
	code, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 8)
	if err != nil {
		fail("parsing command code: %v", err)
	}
	address, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 8)
	if err != nil {
		fail("parsing target address: %v", err)
	}
	var payload []byte
	if len(parts) == 3 && parts[2] != "" {
		payload, err = hex.DecodeString(parts[2])
		if err != nil {
			fail("parsing payload hex: %v", err)
		}
	}

	direction := wire.DirWrite
	dataLength := uint32(len(payload))
	if len(payload) == 0 {
		direction = wire.DirRead
		dataLength = 1
	}
	if err := dev.EnqueueCCC(uint8(address), direction, wire.TerminateOnAnyError, uint8(code), dataLength, payload, nil, nil); err != nil {
		fail("enqueueing command: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	responses, err := dev.SendCommands(ctx, false)
	if err != nil {
		fail("sending command: %v", err)
	}
	for _, resp := range responses {
		fmt.Printf("request id=%d attempted=%v status=%s data=%x\n", resp.RequestID, resp.Attempted, resp.ErrorStatus, resp.Data)
	}
}

func runEnableHotJoin(dev *device.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dev.EnableHotJoin(ctx); err != nil {
		fail("enabling hot-join: %v", err)
	}
	fmt.Println("hot-join enabled")
}

func runEnableIBI(dev *device.Device, addressHex string) {
	address, err := strconv.ParseUint(strings.TrimPrefix(addressHex, "0x"), 16, 8)
	if err != nil {
		fail("parsing address: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dev.EnableRegularIBI(ctx, uint8(address)); err != nil {
		fail("enabling regular IBI: %v", err)
	}
	fmt.Printf("regular IBI enabled for address 0x%02X\n", address)
}

func parseHexID(s string) gousb.ID {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		fail("parsing hex ID %q: %v", s, err)
	}
	return gousb.ID(v)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
