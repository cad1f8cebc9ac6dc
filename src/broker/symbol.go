package broker

import "strings"

// NormalizePair converts a free-form instrument identifier into the canonical
// brokerage form: uppercase symbol characters with punctuation stripped, and
// an OTC marker preserved as a "-OTC" suffix. The operation is idempotent.
//
//	"EUR/USD otc" -> "EURUSD-OTC"
//	"eurusd"      -> "EURUSD"
//	"EURUSD-OTC"  -> "EURUSD-OTC"
func NormalizePair(pair string) string {
	if pair == "" {
		return pair
	}

	s := strings.ToUpper(strings.TrimSpace(pair))
	otc := strings.Contains(s, "OTC")
	s = strings.ReplaceAll(s, "OTC", "")

	replacer := strings.NewReplacer("/", "", " ", "", "_", "", "-", "")
	s = replacer.Replace(s)

	if otc {
		return s + "-OTC"
	}
	return s
}
