package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCallCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [param-json ...]",
		Short: "Perform one JSON-RPC call and print its result",
		Long: `Each param is parsed as JSON; anything that is not valid JSON is sent as a
string. Example: channelctl call getBlockByNumber 1 '"0x1a"' true`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := parseParams(args[1:])
			c, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Call(cmd.Context(), args[0], params)
			if err != nil {
				return fmt.Errorf("call %s: %w", args[0], err)
			}
			return a.print(cmd, res)
		},
	}
}

func newBlockNumberCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "block-number",
		Short: "Print the latest block number of the configured group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.BlockNumber(cmd.Context())
			if err != nil {
				return fmt.Errorf("block number: %w", err)
			}
			return a.print(cmd, map[string]any{"group": a.cfg.Channel.GroupID, "blockNumber": n})
		},
	}
}

func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		params = append(params, v)
	}
	return params
}

func (a *app) print(cmd *cobra.Command, data any) error {
	out, err := a.formatter.Format(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}
