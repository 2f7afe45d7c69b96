// Package addr validates destination addresses per supported source chain.
// Validators are pure functions keyed by chain name so new chains plug in
// without touching withdrawal logic.
package addr

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// Validator checks a destination address against one chain's checksum and
// version rules. It must be pure.
type Validator func(addr string) error

// Registry maps chain names to validators.
type Registry struct {
	validators map[string]Validator
}

// NewRegistry returns a registry preloaded with the supported chains.
func NewRegistry() *Registry {
	return &Registry{validators: map[string]Validator{
		"neo":      ValidateNeo,
		"bitcoin":  ValidateBitcoin,
		"ethereum": ValidateEthereum,
	}}
}

// Register adds or replaces a chain validator.
func (r *Registry) Register(chain string, v Validator) {
	r.validators[strings.ToLower(strings.TrimSpace(chain))] = v
}

// Validate checks addr against the named chain's rules.
func (r *Registry) Validate(chain, addr string) error {
	v, ok := r.validators[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return fmt.Errorf("unsupported chain %q", chain)
	}
	return v(addr)
}

// Chains lists the registered chain names.
func (r *Registry) Chains() []string {
	out := make([]string, 0, len(r.validators))
	for name := range r.validators {
		out = append(out, name)
	}
	return out
}

// ValidateNeo checks base58 checksum and the N3 version byte.
func ValidateNeo(addr string) error {
	if _, err := address.StringToUint160(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("invalid neo address: %w", err)
	}
	return nil
}

// ValidateBitcoin checks the address against mainnet version and checksum
// rules (base58check and bech32 forms).
func ValidateBitcoin(addr string) error {
	if _, err := btcutil.DecodeAddress(strings.TrimSpace(addr), &chaincfg.MainNetParams); err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	return nil
}

// ValidateEthereum checks hex shape and, for mixed-case input, the EIP-55
// checksum. All-lower and all-upper forms carry no checksum and pass on
// shape alone.
func ValidateEthereum(addr string) error {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return fmt.Errorf("invalid ethereum address %q", addr)
	}
	body := strings.TrimPrefix(trimmed, "0x")
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if common.HexToAddress(trimmed).Hex() != "0x"+body {
		return fmt.Errorf("ethereum address checksum mismatch")
	}
	return nil
}
