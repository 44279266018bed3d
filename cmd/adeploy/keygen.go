package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adeploy/adeploy/internal/identity"
)

func newKeygenCmd(g *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the client signing key, or print the existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeygen(cmd.OutOrStdout(), g, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing key")
	return cmd
}

func runKeygen(out io.Writer, g *globalOptions, force bool) error {
	dir, err := keyDir(g)
	if err != nil {
		return err
	}
	store := identity.NewStore(dir)

	var (
		kp      *identity.Keypair
		created = true
	)
	if force {
		kp, err = store.Generate(true)
	} else {
		kp, created, err = store.LoadOrCreate()
	}
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(out, "Generated signing key %s\n", store.PrivatePath())
	} else {
		fmt.Fprintf(out, "Using existing signing key %s\n", store.PrivatePath())
	}
	fmt.Fprintf(out, "Fingerprint: %s\n", kp.Fingerprint())
	fmt.Fprintf(out, "Public key:  %s\n", kp.PublicKeyString())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Add the public key to allowed_keys in the agent's configuration.")
	return nil
}
