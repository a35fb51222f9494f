package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/peacprotocol/peac-x402-receipts-demo/receipt"
)

const maxKeyBytes = 64 << 10

func verifyCmd() *cobra.Command {
	var (
		keySource string
		bodyFile  string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "verify <receipt>",
		Short: "Verify a PEAC receipt offline",
		Long: `Verify a PEAC receipt against a public JWK or JWKS.

--key accepts a file path or an http(s) URL such as
https://shop.example/.well-known/jwks.json. Pass "-" as the receipt to read
it from stdin. With --body the response body is checked against the
receipt's body hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if raw == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = string(data)
			}
			raw = strings.TrimSpace(raw)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			jwk, err := loadKey(ctx, keySource)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			result, err := receipt.Verify(raw, jwk)
			if err != nil {
				return err
			}

			out := map[string]interface{}{"result": result}
			if bodyFile != "" && result.Valid {
				body, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				out["body_matches"] = receipt.VerifyBody(result.Payload, body)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("receipt invalid: %s", result.Reason)
			}
			if matches, ok := out["body_matches"].(bool); ok && !matches {
				return errors.New("body does not match receipt")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&keySource, "key", "k", "", "public JWK or JWKS file path or URL")
	cmd.Flags().StringVar(&bodyFile, "body", "", "response body file to check against the receipt")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for fetching the key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func loadKey(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", source, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes))
}
