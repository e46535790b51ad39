package main

import (
	"fmt"

	"channel-rpc/registry"

	"github.com/spf13/cobra"
)

func newNodesCmd(a *app) *cobra.Command {
	var group string
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "Manage the node directory in the registry",
	}
	nodes.PersistentFlags().StringVar(&group, "group", "", "ledger group (overrides registry.group)")
	groupOf := func() string {
		if group != "" {
			return group
		}
		return a.cfg.Registry.Group
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the channel endpoints registered for a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeReg, err := a.openRegistry(a.cfg.Registry)
			if err != nil {
				return err
			}
			defer closeReg()
			instances, err := reg.Discover(cmd.Context(), groupOf())
			if err != nil {
				return err
			}
			return a.print(cmd, instances)
		},
	}

	var weight int
	var ttl int64
	var nodeID string
	register := &cobra.Command{
		Use:   "register <addr>",
		Short: "Register a node endpoint; it expires after --ttl seconds",
		Long: `Register puts the endpoint under an etcd lease of --ttl seconds. The lease is
kept alive only while this command runs, so register is meant for manual
testing; nodes register themselves through mock-node --register.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeReg, err := a.openRegistry(a.cfg.Registry)
			if err != nil {
				return err
			}
			defer closeReg()
			inst := registry.NodeInstance{Addr: args[0], Group: groupOf(), NodeID: nodeID, Weight: weight}
			if err := reg.Register(cmd.Context(), inst, ttl); err != nil {
				return err
			}
			return a.print(cmd, inst)
		},
	}
	register.Flags().IntVar(&weight, "weight", 1, "balancing weight")
	register.Flags().Int64Var(&ttl, "ttl", 60, "lease TTL in seconds")
	register.Flags().StringVar(&nodeID, "node-id", "", "node identity")

	deregister := &cobra.Command{
		Use:   "deregister <addr>",
		Short: "Remove a node endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, closeReg, err := a.openRegistry(a.cfg.Registry)
			if err != nil {
				return err
			}
			defer closeReg()
			if err := reg.Deregister(cmd.Context(), groupOf(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deregistered %s from group %s\n", args[0], groupOf())
			return nil
		},
	}

	nodes.AddCommand(list, register, deregister)
	return nodes
}
