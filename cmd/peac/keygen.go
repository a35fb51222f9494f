package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
)

func keygenCmd() *cobra.Command {
	var (
		kid    string
		public bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key as a JWK",
		Long: `Generate an Ed25519 signing key.

The private JWK is printed on stdout and can be used as PEAC_SIGNING_JWK.
With --public the matching JWKS is printed instead of the private key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			km, err := keys.Generate(kid)
			if err != nil {
				return err
			}

			var v interface{} = km.PrivateJWK()
			if public {
				v = keys.KeySet{Keys: []keys.JWK{km.PublicJWK()}}
			}
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&kid, "kid", keys.DefaultKeyID, "key id placed in the JWK")
	cmd.Flags().BoolVar(&public, "public", false, "print the public JWKS instead of the private JWK")
	return cmd
}
