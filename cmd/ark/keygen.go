package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arklabs/ark/pkg/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate or show this node's identity keypair",
	Long: `Ensure an ed25519 identity exists under <data-dir>/keys and print
the derived peer id. An existing key is reused, never overwritten; use
--rotate to retire the current key and generate a fresh one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		rotate, _ := cmd.Flags().GetBool("rotate")

		keysDir := filepath.Join(dataDir, "keys")
		id, err := identity.LoadOrCreate(keysDir)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}

		if rotate {
			if err := id.Rotate(); err != nil {
				return fmt.Errorf("failed to rotate key: %w", err)
			}
			fmt.Println("Key rotated; the previous public key stays trusted for the grace period.")
		}

		fmt.Printf("Peer ID:    %s\n", id.PeerID())
		fmt.Printf("Public key: %s\n", hex.EncodeToString(id.PublicKey()))
		fmt.Printf("Key file:   %s\n", filepath.Join(keysDir, id.PeerID()+".key"))
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("data-dir", "store", "Data directory holding the keys")
	keygenCmd.Flags().Bool("rotate", false, "Rotate to a fresh keypair")
}
