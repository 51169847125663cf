// shieldpool-cli derives keys, notes, commitments and nullifiers offline
// and runs the circuit setup whose keys shieldpoold loads.
package main

import (
		"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccoin/shieldpool/internal/hashing"
	"github.com/ccoin/shieldpool/internal/tree"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var family string

	root := &cobra.Command{
		Use:           "shieldpool-cli",
		Short:         "Offline tools for the shielded pool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&family, "hash", "mimc", "hash family (mimc, poseidon, sha256)")

	hasher := func() (hashing.Hasher, error) {
		f, err := hashing.ParseFamily(family)
		if err != nil {
			return nil, err
		}
		return hashing.New(f)
	}

	root.AddCommand(
		keygenCmd(hasher),
		noteCmd(hasher),
		nullifierCmd(hasher),
		encryptCmd(),
		decryptCmd(),
		setupCmd(),
	)
	return root
}

func keygenCmd(hasher func() (hashing.Hasher, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create a spending key and a note encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := hasher()
			if err != nil {
				return err
			}
			sk, err := zkp.NewSpendingKey()
			if err != nil {
				return err
			}
			ek, err := zkp.NewEncryptionKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "spending-key:   %s\n", sk.Secret)
			fmt.Fprintf(out, "owner:          %s\n", sk.Owner(h))
			fmt.Fprintf(out, "encryption-key: %s\n", common.BytesToHex(ek.Bytes()))
			fmt.Fprintf(out, "encryption-pub: %s\n", common.BytesToHex(ek.Public().Bytes()))
			return nil
		},
	}
}

func noteCmd(hasher func() (hashing.Hasher, error)) *cobra.Command {
	var (
		value, asset, denom uint64
		owner               string
	)
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Create a note and print its encoding and commitment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := hasher()
			if err != nil {
				return err
			}
			o, err := types.HashFromHex(owner)
			if err != nil {
				return fmt.Errorf("owner: %w", err)
			}
			n, err := zkp.NewNote(value, asset, o, denom, common.Now())
			if err != nil {
				return err
			}
			if err := n.Validate(h); err != nil {
				return err
			}
			enc, err := n.MarshalBinary()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "note:       %s\n", common.BytesToHex(enc))
			fmt.Fprintf(out, "commitment: %s\n", n.Commitment(h))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&value, "value", 0, "note value")
	cmd.Flags().Uint64Var(&asset, "asset", 0, "asset id")
	cmd.Flags().Uint64Var(&denom, "denomination", 0, "denomination")
	cmd.Flags().StringVar(&owner, "owner", "", "owner hash printed by keygen")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func nullifierCmd(hasher func() (hashing.Hasher, error)) *cobra.Command {
	var note, secret string
	cmd := &cobra.Command{
		Use:   "nullifier",
		Short: "Derive the nullifier of a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := hasher()
			if err != nil {
				return err
			}
			n, err := decodeNote(note)
			if err != nil {
				return err
			}
			s, err := types.HashFromHex(secret)
			if err != nil {
				return fmt.Errorf("spending key: %w", err)
			}
			key := &zkp.SpendingKey{Secret: s}
			if key.Owner(h) != n.Owner {
				return errors.New("spending key does not own the note")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "nullifier: %s\n", n.Nullifier(h, key))
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note encoding printed by note")
	cmd.Flags().StringVar(&secret, "key", "", "spending key")
	cmd.MarkFlagRequired("note")
	cmd.MarkFlagRequired("key")
	return cmd
}

func encryptCmd() *cobra.Command {
	var note, pub string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a note to a recipient's encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := decodeNote(note)
			if err != nil {
				return err
			}
			pb, err := common.HexToBytes(pub)
			if err != nil {
				return err
			}
			pk, err := zkp.PublicKeyFromBytes(pb)
			if err != nil {
				return err
			}
			ct, err := zkp.EncryptNote(pk, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", common.BytesToHex(ct))
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note encoding")
	cmd.Flags().StringVar(&pub, "to", "", "recipient encryption-pub")
	cmd.MarkFlagRequired("note")
	cmd.MarkFlagRequired("to")
	return cmd
}

func decryptCmd() *cobra.Command {
	var data, key string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a note addressed to this encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kb, err := common.HexToBytes(key)
			if err != nil {
				return err
			}
			ek, err := zkp.EncryptionKeyFromBytes(kb)
			if err != nil {
				return err
			}
			ct, err := common.HexToBytes(data)
			if err != nil {
				return err
			}
			n, err := zkp.DecryptNote(ek, ct)
			if err != nil {
				return err
			}
			enc, err := n.MarshalBinary()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "note:  %s\n", common.BytesToHex(enc))
			fmt.Fprintf(out, "value: %d\n", n.Value)
			fmt.Fprintf(out, "asset: %d\n", n.Asset)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "ciphertext printed by encrypt")
	cmd.Flags().StringVar(&key, "key", "", "encryption-key")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("key")
	return cmd
}

func setupCmd() *cobra.Command {
	var (
		depth int
		out   string
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Run the Groth16 setup for every transaction kind and export the keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cm := zkp.NewCircuitManager(zkp.DefaultShapes(depth))
			if err := cm.SetupAll(); err != nil {
				return err
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			if err := cm.ExportKeys(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "keys for depth %d written to %s\n", depth, out)
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", tree.DefaultDepth, "commitment tree depth the circuits prove against")
	cmd.Flags().StringVar(&out, "out", "./keys", "output directory")
	return cmd
}

func decodeNote(s string) (*zkp.Note, error) {
	b, err := common.HexToBytes(s)
	if err != nil {
		return nil, fmt.Errorf("note: %w", err)
	}
	n := new(zkp.Note)
	if err := n.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return n, nil
}
