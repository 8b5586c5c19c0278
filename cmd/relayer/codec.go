// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/relay"
	"github.com/spf13/cobra"
)

const (
	messageVersionFlag = "message-version"
	originFlag         = "origin"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a message and print its wire bytes and id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := messageFromFlags(cmd)
		if err != nil {
			return err
		}
		return printMessage(cmd.OutOrStdout(), m)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode message wire bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := parseHexMessage(cmd, args[0])
		if err != nil {
			return err
		}
		return printMessage(cmd.OutOrStdout(), m)
	},
}

var idCmd = &cobra.Command{
	Use:   "id <hex>",
	Short: "Print the id of encoded message bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := parseHexMessage(cmd, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), m.ID().Hex())
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{encodeCmd, decodeCmd, idCmd} {
		cmd.Flags().String(messageVersionFlag, relay.VersionV1.String(), "Wire format version (v1 or v2)")
	}

	fs := encodeCmd.Flags()
	fs.Uint32("nonce", 0, "Station nonce")
	fs.Uint64(originFlag, 0, "Origin domain (v2 only)")
	fs.Uint64("destination", 0, "Destination domain")
	fs.Uint64("earliest-arrival", 0, "Earliest arrival timestamp")
	fs.Uint64("latest-arrival", 0, "Latest arrival timestamp, zero for none")
	fs.String("relayer", "", "Designated relayer address")
	fs.String("sender", "", "Sender address")
	fs.String("value", "0", "Native value in wei")
	fs.String("additional-params", "0x", "Hex additional params (v2 only)")
	fs.String("body", "0x", "Hex message body")
}

func versionFlag(cmd *cobra.Command) (relay.Version, error) {
	s, err := cmd.Flags().GetString(messageVersionFlag)
	if err != nil {
		return 0, err
	}
	return relay.ParseVersion(s)
}

func parseHexMessage(cmd *cobra.Command, s string) (relay.Message, error) {
	version, err := versionFlag(cmd)
	if err != nil {
		return nil, err
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	return relay.ParseMessage(version, b)
}

func messageFromFlags(cmd *cobra.Command) (relay.Message, error) {
	version, err := versionFlag(cmd)
	if err != nil {
		return nil, err
	}
	fs := cmd.Flags()
	nonce, _ := fs.GetUint32("nonce")
	origin, _ := fs.GetUint64(originFlag)
	destination, _ := fs.GetUint64("destination")
	earliest, _ := fs.GetUint64("earliest-arrival")
	latest, _ := fs.GetUint64("latest-arrival")

	relayerAddr, err := addressFlag(cmd, "relayer")
	if err != nil {
		return nil, err
	}
	sender, err := addressFlag(cmd, "sender")
	if err != nil {
		return nil, err
	}
	valueStr, _ := fs.GetString("value")
	value, err := uint256.FromDecimal(valueStr)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", valueStr, err)
	}
	body, err := hexFlag(cmd, "body")
	if err != nil {
		return nil, err
	}

	switch version {
	case relay.VersionV1:
		if fs.Changed(originFlag) {
			return nil, fmt.Errorf("--%s is not carried by %s messages", originFlag, version)
		}
		return relay.NewMessageV1(nonce, destination, earliest, latest, relayerAddr, sender, value, body), nil
	default:
		params, err := hexFlag(cmd, "additional-params")
		if err != nil {
			return nil, err
		}
		return relay.NewMessageV2(nonce, origin, destination, earliest, latest, relayerAddr, sender, value, params, body), nil
	}
}

func addressFlag(cmd *cobra.Command, name string) (common.Address, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid --%s address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func hexFlag(cmd *cobra.Command, name string) ([]byte, error) {
	s, _ := cmd.Flags().GetString(name)
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s hex: %w", name, err)
	}
	return b, nil
}

type messageJSON struct {
	Version          string         `json:"version"`
	ID               common.Hash    `json:"id"`
	Nonce            uint32         `json:"nonce"`
	Origin           *uint64        `json:"origin,omitempty"`
	Destination      uint64         `json:"destination"`
	EarliestArrival  uint64         `json:"earliestArrival"`
	LatestArrival    uint64         `json:"latestArrival"`
	Relayer          common.Address `json:"relayer"`
	Sender           common.Address `json:"sender"`
	Value            string         `json:"value"`
	AdditionalParams hexutil.Bytes  `json:"additionalParams,omitempty"`
	Body             hexutil.Bytes  `json:"body"`
	Encoded          hexutil.Bytes  `json:"encoded"`
}

func printMessage(w io.Writer, m relay.Message) error {
	out := messageJSON{
		Version:         m.Version().String(),
		ID:              m.ID(),
		Nonce:           m.Nonce(),
		Destination:     m.Destination(),
		EarliestArrival: m.EarliestArrival(),
		LatestArrival:   m.LatestArrival(),
		Relayer:         m.Relayer(),
		Sender:          m.Sender(),
		Value:           m.Value().Dec(),
		Body:            m.Body(),
		Encoded:         m.Bytes(),
	}
	if o, ok := m.(relay.OriginAware); ok {
		origin := o.Origin()
		out.Origin = &origin
	}
	if v2, ok := m.(*relay.MessageV2); ok {
		out.AdditionalParams = v2.AdditionalParams()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
