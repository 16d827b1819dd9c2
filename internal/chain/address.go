package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// ValidateAddress checks addr against the address conventions of the
// chain registered as symbol/network: base58check + network prefix for
// Bitcoin-family chains, EIP-55/hex for EVM chains. Monero and Solana
// addresses are accepted on length alone since this package carries no
// base58/Monero-checksum decoder for them.
func ValidateAddress(symbol string, network Network, addr string) error {
	params, ok := Get(symbol, network)
	if !ok {
		return fmt.Errorf("chain: unsupported symbol %s", symbol)
	}

	switch params.Type {
	case ChainTypeBitcoin:
		return validateBitcoinAddress(params, network, addr)
	case ChainTypeEVM:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("chain: invalid EVM address %q", addr)
		}
		return nil
	case ChainTypeMonero:
		if len(addr) < 90 || len(addr) > 106 {
			return fmt.Errorf("chain: invalid monero address length %d", len(addr))
		}
		return nil
	case ChainTypeSolana:
		if len(addr) < 32 || len(addr) > 44 {
			return fmt.Errorf("chain: invalid solana address length %d", len(addr))
		}
		return nil
	default:
		return fmt.Errorf("chain: unknown chain type %s", params.Type)
	}
}

// ValidateAddressAnyNetwork validates addr against symbol's mainnet
// params, falling back to testnet params, for callers (like XreqStore)
// that don't carry network context of their own.
func ValidateAddressAnyNetwork(symbol, addr string) error {
	if err := ValidateAddress(symbol, Mainnet, addr); err == nil {
		return nil
	}
	return ValidateAddress(symbol, Testnet, addr)
}

func validateBitcoinAddress(params *Params, network Network, addr string) error {
	cfg := &chaincfg.Params{
		Name:                    params.Name,
		PubKeyHashAddrID:        params.PubKeyHashAddrID,
		ScriptHashAddrID:        params.ScriptHashAddrID,
		WitnessPubKeyHashAddrID: params.WitnessPubKeyHashAddrID,
		WitnessScriptHashAddrID: params.WitnessScriptHashAddrID,
		Bech32HRPSegwit:         params.Bech32HRP,
	}
	_ = network
	if _, err := btcutil.DecodeAddress(addr, cfg); err != nil {
		return fmt.Errorf("chain: invalid %s address %q: %w", params.Symbol, addr, err)
	}
	return nil
}
