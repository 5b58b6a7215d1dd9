package models

import "testing"

func TestVendorSymbol(t *testing.T) {
	tests := []struct {
		name    string
		symbol  string
		class   AssetClass
		want    string
		wantErr bool
	}{
		{name: "forex pair", symbol: "EURUSD", class: AssetForex, want: "EUR/USD"},
		{name: "metal pair", symbol: "XAUUSD", class: AssetMetal, want: "XAU/USD"},
		{name: "crypto pair gets exchange suffix", symbol: "BTCUSD", class: AssetCrypto, want: "BTC/USD:KuCoin"},
		{name: "too short", symbol: "EUR", class: AssetForex, wantErr: true},
		{name: "too long", symbol: "EURUSDT", class: AssetCrypto, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VendorSymbol(tt.symbol, tt.class)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VendorSymbol(%q, %q) error = %v, wantErr %v", tt.symbol, tt.class, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("VendorSymbol(%q, %q) = %q, want %q", tt.symbol, tt.class, got, tt.want)
			}
		})
	}
}
