package rental

import (
	"strings"

	"bot-otp/internal/apperr"
)

var reasonPatterns = []struct {
	reason   apperr.Reason
	keywords []string
}{
	{apperr.ReasonBalanceExhausted, []string{"saldo", "balance", "insufficient", "top up your account"}},
	{apperr.ReasonRestock, []string{"restock", "out of stock", "stok habis", "stock habis", "stock empty", "sold out"}},
	{apperr.ReasonNoNumbers, []string{"no number", "no_numbers", "numbers not available", "number not available", "nomor tidak tersedia", "nomor habis"}},
	{apperr.ReasonServiceDown, []string{"maintenance", "service unavailable", "service down", "disabled", "offline", "gangguan", "not active", "nonaktif"}},
}

// Classify maps a provider failure message to a rejection reason.
func Classify(message string) apperr.Reason {
	lower := strings.ToLower(strings.TrimSpace(message))
	if lower == "" {
		return apperr.ReasonGeneric
	}
	for _, p := range reasonPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.reason
			}
		}
	}
	return apperr.ReasonGeneric
}
