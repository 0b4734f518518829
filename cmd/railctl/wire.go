package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/multirail/wire"
)

func newWireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wire",
		Short: "Inspect wire message layouts",
	}
	cmd.AddCommand(newWireSizesCmd(), newWireImmCmd(), newWireDecodeCmd())
	return cmd
}

func newWireSizesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sizes",
		Short: "Print the encoded size of every message type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tTAG\tRAILS\tSIZE")
			fmt.Fprintf(w, "%s\t%d\t-\t%d\n", wire.MsgConn, wire.MsgConn, wire.ConnMsgSize)
			fmt.Fprintf(w, "%s\t%d\t-\t%d\n", wire.MsgConnResp, wire.MsgConnResp, wire.ConnMsgSize)
			for rails := 1; rails <= wire.MaxRails; rails++ {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d/%d\n", wire.MsgCtrl, wire.MsgCtrl, rails,
					wire.CtrlMsgSize(rails, false), wire.CtrlMsgSize(rails, true))
			}
			fmt.Fprintf(w, "%s\t%d\t-\t%d\n", wire.MsgClose, wire.MsgClose, wire.CloseMsgSize)
			return w.Flush()
		},
	}
}

func newWireImmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "imm <segments> <comm-id> <seq> | imm <0xdata>",
		Short: "Encode or decode immediate data",
		Long: `imm packs a segment count, communicator ID and sequence number into the
32-bit immediate data of a write, or unpacks a single hex value.

Examples:
  railctl wire imm 4 77 1023
  railctl wire imm 0x400137ff`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return fmt.Errorf("accepts 1 or 3 args, received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				v, err := strconv.ParseUint(args[0], 0, 32)
				if err != nil {
					return fmt.Errorf("invalid immediate data %q: %w", args[0], err)
				}
				imm := wire.DecodeImm(uint32(v))
				fmt.Fprintf(out, "segments: %d\ncomm_id: %d\nseq: %d\n", imm.NumSegs, imm.CommID, imm.Seq)
				return nil
			}
			var vals [3]uint64
			for i, arg := range args {
				v, err := strconv.ParseUint(arg, 0, 32)
				if err != nil {
					return fmt.Errorf("invalid field %q: %w", arg, err)
				}
				vals[i] = v
			}
			imm := wire.Imm{NumSegs: uint8(vals[0]), CommID: uint32(vals[1]), Seq: uint16(vals[2])}
			fmt.Fprintf(out, "0x%08x\n", wire.EncodeImm(imm))
			return nil
		},
	}
}

func newWireDecodeCmd() *cobra.Command {
	var (
		rails    int
		longKeys bool
	)
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a hex-encoded message and print it as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
			if err != nil {
				return fmt.Errorf("invalid hex message: %w", err)
			}
			msg, err := decodeMessage(raw, rails, longKeys)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(msg)
		},
	}
	cmd.Flags().IntVar(&rails, "rails", 1, "Rail count of control messages")
	cmd.Flags().BoolVar(&longKeys, "long-keys", false, "Control messages carry 64-bit keys")
	return cmd
}

func decodeMessage(raw []byte, rails int, longKeys bool) (map[string]any, error) {
	typ, err := wire.PeekType(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"type": typ.String()}
	switch typ {
	case wire.MsgCtrl:
		m, err := wire.UnmarshalCtrlMsg(raw, rails, longKeys)
		if err != nil {
			return nil, err
		}
		out["seq"] = m.Seq
		out["comm_id"] = m.CommID
		out["buff_len"] = m.BuffLen
		out["buff_addr"] = fmt.Sprintf("%#x", m.BuffAddr)
		keys := make([]string, rails)
		for i := range keys {
			keys[i] = fmt.Sprintf("%#x", m.Keys[i])
		}
		out["keys"] = keys
	case wire.MsgClose:
		m, err := wire.UnmarshalCloseMsg(raw)
		if err != nil {
			return nil, err
		}
		out["ctrl_counter"] = m.CtrlCounter
		out["send_comm_id"] = m.SendCommID
	case wire.MsgConn, wire.MsgConnResp:
		m, err := wire.UnmarshalConnMsg(raw)
		if err != nil {
			return nil, err
		}
		out["local_comm_id"] = m.LocalCommID
		out["remote_comm_id"] = m.RemoteCommID
		ctrl := make([]string, m.NumControlRails)
		for i := range ctrl {
			ctrl[i] = string(m.ControlEPNames[i].Bytes())
		}
		data := make([]string, m.NumRails)
		for i := range data {
			data[i] = string(m.EPNames[i].Bytes())
		}
		out["control_ep_names"] = ctrl
		out["ep_names"] = data
	default:
		return nil, fmt.Errorf("%s messages carry no header to decode", typ)
	}
	return out, nil
}
