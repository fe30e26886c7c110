package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nodewarden/nodewarden/pkg/storage"
	"github.com/nodewarden/nodewarden/pkg/types"
)

// Node commands operate on the local store; a running daemon picks the
// records up at startup or on the next forced resync through the admin API.
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage registered nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new node",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")
		fingerprint, _ := cmd.Flags().GetString("cert-fingerprint")
		coefficient, _ := cmd.Flags().GetFloat64("usage-coefficient")
		enabled, _ := cmd.Flags().GetBool("enabled")

		if address == "" || port <= 0 {
			return fmt.Errorf("--address and --port are required")
		}

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		node := &types.Node{
			ID:               uuid.New().String(),
			Name:             name,
			Address:          address,
			APIPort:          port,
			CertFingerprint:  fingerprint,
			UsageCoefficient: coefficient,
			Enabled:          enabled,
			Status:           types.NodeStatusPending,
			CreatedAt:        time.Now(),
		}
		if !enabled {
			node.Status = types.NodeStatusDisabled
		}
		if err := store.CreateNode(node); err != nil {
			return err
		}

		fmt.Printf("Node registered: %s\n", node.ID)
		return nil
	},
}

var nodeRmCmd = &cobra.Command{
	Use:   "rm <node-id>",
	Short: "Remove a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteNode(args[0]); err != nil {
			return err
		}
		fmt.Printf("Node removed: %s\n", args[0])
		return nil
	},
}

var nodeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		nodes, err := store.ListNodes()
		if err != nil {
			return err
		}

		fmt.Printf("%-38s %-20s %-22s %-12s %s\n", "ID", "NAME", "ADDRESS", "STATUS", "LAST CHECK")
		for _, node := range nodes {
			lastCheck := "-"
			if !node.LastHealthCheck.IsZero() {
				lastCheck = node.LastHealthCheck.Format(time.RFC3339)
			}
			fmt.Printf("%-38s %-20s %-22s %-12s %s\n",
				node.ID, node.Name,
				fmt.Sprintf("%s:%d", node.Address, node.APIPort),
				node.Status, lastCheck)
		}
		return nil
	},
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status <node-id>",
	Short: "Show a node's status and last error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.GetNode(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", node.ID)
		fmt.Printf("Name:      %s\n", node.Name)
		fmt.Printf("Address:   %s:%d\n", node.Address, node.APIPort)
		fmt.Printf("Enabled:   %t\n", node.Enabled)
		fmt.Printf("Status:    %s\n", node.Status)
		if node.Message != "" {
			fmt.Printf("Detail:    %s\n", node.Message)
		}
		if !node.LastHealthCheck.IsZero() {
			fmt.Printf("Last check: %s\n", node.LastHealthCheck.Format(time.RFC3339))
		}
		return nil
	},
}

var nodeSetEnabledCmd = &cobra.Command{
	Use:   "enable <node-id>",
	Short: "Enable or disable a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		disable, _ := cmd.Flags().GetBool("off")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		node, err := store.GetNode(args[0])
		if err != nil {
			return err
		}
		node.Enabled = !disable
		if disable {
			node.Status = types.NodeStatusDisabled
		} else if node.Status == types.NodeStatusDisabled {
			node.Status = types.NodeStatusPending
		}
		if err := store.UpdateNode(node); err != nil {
			return err
		}

		fmt.Printf("Node %s enabled=%t\n", node.ID, node.Enabled)
		return nil
	},
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = "/var/lib/nodewarden"
	}
	return storage.NewBoltStore(dataDir)
}

func init() {
	nodeCmd.PersistentFlags().String("data-dir", "", "Data directory (default /var/lib/nodewarden)")

	nodeRegisterCmd.Flags().String("name", "", "Node display name")
	nodeRegisterCmd.Flags().String("address", "", "Node address")
	nodeRegisterCmd.Flags().Int("port", 0, "Engine control-API port")
	nodeRegisterCmd.Flags().String("cert-fingerprint", "", "Pinned TLS fingerprint of the control endpoint")
	nodeRegisterCmd.Flags().Float64("usage-coefficient", 1.0, "Traffic accounting multiplier")
	nodeRegisterCmd.Flags().Bool("enabled", true, "Register the node enabled")

	nodeSetEnabledCmd.Flags().Bool("off", false, "Disable instead of enable")

	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeRmCmd)
	nodeCmd.AddCommand(nodeLsCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
	nodeCmd.AddCommand(nodeSetEnabledCmd)
}
