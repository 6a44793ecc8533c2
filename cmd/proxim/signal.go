package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/proxim/internal/signal"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Encode or decode signal characteristic commands",
}

var signalEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a signal command as hex",
	Long: `Encodes a command written to the signal characteristic.

Examples:
  proxim signal encode --action rssi --value -60
  proxim signal encode --action payload --hex 0a0b0c0d`,
	Args: cobra.NoArgs,
	RunE: runSignalEncode,
}

var signalDecodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode hex signal data",
	Args:  cobra.ExactArgs(1),
	RunE:  runSignalDecode,
}

var (
	signalAction string
	signalValue  int
	signalHex    string
)

func init() {
	signalEncodeCmd.Flags().StringVarP(&signalAction, "action", "a", "", "Action (payload, rssi, payload-sharing)")
	signalEncodeCmd.Flags().IntVar(&signalValue, "value", 0, "RSSI value for the rssi action")
	signalEncodeCmd.Flags().StringVar(&signalHex, "hex", "", "Payload bytes as hex")
	_ = signalEncodeCmd.MarkFlagRequired("action")

	signalCmd.AddCommand(signalEncodeCmd)
	signalCmd.AddCommand(signalDecodeCmd)
}

func parseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return data, nil
}

func runSignalEncode(cmd *cobra.Command, args []string) error {
	payload, err := parseHex(signalHex)
	if err != nil {
		return err
	}

	var c signal.Command
	switch signalAction {
	case "payload":
		c = signal.WritePayload(payload)
	case "payload-sharing":
		c = signal.WritePayloadSharing(payload)
	case "rssi":
		if len(payload) > 0 {
			return fmt.Errorf("--hex is not allowed with the rssi action")
		}
		if signalValue < -32768 || signalValue > 32767 {
			return fmt.Errorf("--value %d out of range", signalValue)
		}
		c = signal.WriteRSSI(signalValue)
	default:
		return fmt.Errorf("invalid action '%s': must be one of [payload rssi payload-sharing]", signalAction)
	}

	cmd.SilenceUsage = true
	data, err := signal.Encode(c)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
	return nil
}

func runSignalDecode(cmd *cobra.Command, args []string) error {
	data, err := parseHex(args[0])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	c, err := signal.Decode(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "action: %s\n", c.Action)
	if c.Action.HasPayload() {
		fmt.Fprintf(out, "length: %d\n", c.Length())
		fmt.Fprintf(out, "payload: %s\n", hex.EncodeToString(c.Payload))
	} else {
		fmt.Fprintf(out, "value: %d\n", c.Value)
	}
	return nil
}
