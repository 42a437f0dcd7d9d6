package convo

import (
	"strings"

	"bot-otp/internal/apperr"
)

var reasonMessages = map[apperr.Reason]string{
	apperr.ReasonRestock:          "Stok nomor untuk layanan ini sedang diisi ulang. Coba lagi beberapa menit lagi.",
	apperr.ReasonNoNumbers:        "Nomor untuk layanan ini sedang habis.",
	apperr.ReasonBalanceExhausted: "Layanan sedang tidak bisa memproses pesanan. Admin sudah diberi tahu.",
	apperr.ReasonServiceDown:      "Penyedia sedang maintenance. Coba lagi nanti.",
}

var kindMessages = map[string]string{
	apperr.KindInsufficientFunds:   "Saldo tidak cukup. Isi saldo dulu dengan /deposit <nominal>.",
	apperr.KindUserNotFound:        "Akun belum terdaftar. Ketik /start untuk memulai.",
	apperr.KindOutOfStock:          "Layanan tidak tersedia atau stok habis.",
	apperr.KindProviderUnavailable: "Penyedia sedang tidak bisa dihubungi. Coba lagi sebentar lagi.",
	apperr.KindProviderRejected:    "Permintaan ditolak oleh penyedia.",
	apperr.KindConflict:            "Masih ada proses lain yang berjalan. Tunggu sebentar.",
	apperr.KindSystem:              "Terjadi kesalahan sistem. Silakan coba lagi nanti.",
}

// userMessage maps an error onto the text shown in chat. Internal details
// are never exposed except for validation messages.
func userMessage(err error) string {
	if reason, ok := apperr.ReasonOf(err); ok {
		if msg, ok := reasonMessages[reason]; ok {
			return msg
		}
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindValidation {
		prefix := apperr.ErrValidation.Error() + ": "
		if msg := err.Error(); strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
		return "Permintaan tidak valid."
	}
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return kindMessages[apperr.KindSystem]
}
