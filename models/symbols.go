package models

import "fmt"

// VendorSymbol maps a canonical six-letter symbol to the vendor's format:
// three-letter base and quote joined with "/", with the KuCoin exchange
// suffix for crypto pairs. Deterministic over (symbol, class).
func VendorSymbol(symbol string, class AssetClass) (string, error) {
	if len(symbol) != 6 {
		return "", fmt.Errorf("canonical symbol %q must be 6 letters", symbol)
	}
	pair := symbol[:3] + "/" + symbol[3:]
	if class == AssetCrypto {
		pair += ":KuCoin"
	}
	return pair, nil
}
