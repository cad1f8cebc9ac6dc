package broker

import "testing"

func TestNormalizePair(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"EUR/USD otc", "EURUSD-OTC"},
		{"eurusd", "EURUSD"},
		{"EUR_USD", "EURUSD"},
		{"gbp/jpy", "GBPJPY"},
		{" eur/usd-OTC ", "EURUSD-OTC"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizePair(tt.in); got != tt.want {
			t.Fatalf("NormalizePair(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePairIsIdempotent(t *testing.T) {
	inputs := []string{"EUR/USD otc", "eurusd", "EURUSD-OTC", "usd_jpy"}

	for _, in := range inputs {
		once := NormalizePair(in)
		twice := NormalizePair(once)
		if once != twice {
			t.Fatalf("NormalizePair not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
