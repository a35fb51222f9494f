package verifier

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	solana "github.com/gagliardetto/solana-go"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// UnknownPayer is recorded when the verifier does not report a payer
const UnknownPayer = "unknown"

var evmChains = map[string]bool{
	"base":             true,
	"base-sepolia":     true,
	"ethereum":         true,
	"sepolia":          true,
	"polygon":          true,
	"polygon-amoy":     true,
	"avalanche":        true,
	"avalanche-fuji":   true,
	"arbitrum":         true,
	"optimism":         true,
	"arbitrum-sepolia": true,
}

// IsEVMChain reports whether chain names an EVM network (legacy name or eip155 CAIP-2)
func IsEVMChain(chain string) bool {
	return evmChains[chain] || strings.HasPrefix(chain, "eip155:")
}

// IsSolanaChain reports whether chain names a Solana network
func IsSolanaChain(chain string) bool {
	return strings.HasPrefix(chain, "solana")
}

// NormalizePayer canonicalizes an address for chain: EIP-55 checksum on EVM
// chains, canonical base58 on Solana. Anything unrecognized is returned as-is;
// an empty payer becomes UnknownPayer.
func NormalizePayer(chain, payer string) string {
	payer = strings.TrimSpace(payer)
	if payer == "" {
		return UnknownPayer
	}
	switch {
	case IsEVMChain(chain):
		if common.IsHexAddress(payer) {
			return common.HexToAddress(payer).Hex()
		}
	case IsSolanaChain(chain):
		if pk, err := solana.PublicKeyFromBase58(payer); err == nil {
			return pk.String()
		}
	}
	return payer
}

// Normalizing wraps a verifier and canonicalizes the payer it reports
type Normalizing struct {
	next  peac.PaymentVerifier
	chain string
}

// WithPayerNormalization wraps next so payers are normalized for chain
func WithPayerNormalization(next peac.PaymentVerifier, chain string) *Normalizing {
	return &Normalizing{next: next, chain: chain}
}

// Verify implements peac.PaymentVerifier
func (n *Normalizing) Verify(ctx context.Context, proofID, sessionID string) (peac.Verification, error) {
	v, err := n.next.Verify(ctx, proofID, sessionID)
	if err != nil || !v.Valid {
		return v, err
	}
	v.Payer = NormalizePayer(n.chain, v.Payer)
	return v, nil
}

var _ peac.PaymentVerifier = (*Normalizing)(nil)
