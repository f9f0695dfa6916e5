// decode-frame decodes a single hex-encoded mesh frame from the command
// line or stdin and prints every layer, for poking at frames an observer
// captured without running the full service.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/meshrank/meshrank/internal/channels"
	"github.com/meshrank/meshrank/internal/codec"
)

func main() {
	var keysPath string
	var frames []string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--channels":
			if i+1 < len(args) {
				keysPath = args[i+1]
				i++
			}
		case "--help", "-h":
			fmt.Println("Usage: decode-frame [--channels keys.json] [hexframe...]")
			fmt.Println("Reads frames from arguments, or one per line from stdin.")
			return
		default:
			frames = append(frames, args[i])
		}
	}

	var keys *codec.KeyStore
	if keysPath != "" {
		st := channels.NewStore(keysPath, zap.NewNop())
		if err := st.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "loading channel keys: %v\n", err)
			os.Exit(1)
		}
		keys = st.Current()
	}

	if len(frames) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				frames = append(frames, line)
			}
		}
	}
	if len(frames) == 0 {
		fmt.Fprintln(os.Stderr, "no frames given")
		os.Exit(1)
	}

	failed := 0
	for i, hexFrame := range frames {
		if len(frames) > 1 {
			fmt.Printf("=== frame %d ===\n", i+1)
		}
		if err := dump(hexFrame, keys); err != nil {
			fmt.Printf("  decode error: %v\n", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func dump(hexFrame string, keys *codec.KeyStore) error {
	f, err := codec.Decode(strings.ToUpper(hexFrame), keys)
	if err != nil {
		return err
	}

	fmt.Printf("  route_type:   %d\n", f.RouteType)
	fmt.Printf("  payload_type: %d\n", f.PayloadType)
	fmt.Printf("  version:      %d\n", f.Version)
	fmt.Printf("  path:         [%s] (%d hops)\n", strings.Join(f.Path, " "), f.PathLen)
	if f.RouteType == codec.RouteTransportFlood || f.RouteType == codec.RouteTransportDirect {
		fmt.Printf("  transport:    %04X %04X\n", f.TransportCodes[0], f.TransportCodes[1])
	}
	fmt.Printf("  message_hash: %s\n", f.MessageHash)
	fmt.Printf("  frame_hash:   %s\n", f.FrameHash)

	if adv := f.Advert; adv != nil {
		fmt.Println("  advert:")
		fmt.Printf("    pub:       %s\n", adv.PubKey)
		fmt.Printf("    ts:        %d\n", adv.Timestamp)
		fmt.Printf("    sig_valid: %v\n", adv.SignatureValid)
		if adv.HasAppData {
			fmt.Printf("    flags:     0x%02X\n", adv.Flags)
		}
		if adv.HasName {
			fmt.Printf("    name:      %q\n", adv.Name)
		}
		if adv.Lat != nil && adv.Lon != nil {
			fmt.Printf("    gps:       (%.6f, %.6f)\n", *adv.Lat, *adv.Lon)
		}
	}

	if gt := f.GroupText; gt != nil {
		fmt.Println("  group_text:")
		fmt.Printf("    channel_hash: %s\n", gt.ChannelHash)
		fmt.Printf("    mac:          %02X%02X\n", gt.MAC[0], gt.MAC[1])
		fmt.Printf("    ciphertext:   %d bytes\n", len(gt.Ciphertext))
		if dec := gt.Decrypted; dec != nil {
			fmt.Printf("    channel: %s\n", dec.ChannelName)
			fmt.Printf("    ts:      %d\n", dec.Timestamp)
			fmt.Printf("    sender:  %q\n", dec.Sender)
			fmt.Printf("    message: %q\n", dec.Message)
		} else {
			fmt.Println("    (no matching channel key)")
		}
	}
	return nil
}
