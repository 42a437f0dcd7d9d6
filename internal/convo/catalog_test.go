package convo

import (
	"testing"

	"bot-otp/internal/rental"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterServicesPrefersExactCode(t *testing.T) {
	services := []rental.Service{
		{ID: "wa", Name: "WhatsApp", Price: 5000, Stock: 10},
		{ID: "wab", Name: "WhatsApp Business", Price: 4000, Stock: 3},
		{ID: "tg", Name: "Telegram", Price: 3000, Stock: 1},
	}

	matches := filterServices(services, "wa", false)
	require.Len(t, matches, 2)
	assert.Equal(t, "wa", matches[0].ID)
	assert.Equal(t, "wab", matches[1].ID)
}

func TestFilterServicesWithoutQuerySkipsEmptyStock(t *testing.T) {
	services := []rental.Service{
		{ID: "wa", Name: "WhatsApp", Price: 5000, Stock: 10},
		{ID: "ig", Name: "Instagram", Price: 1000, Stock: 0},
		{ID: "tg", Name: "Telegram", Price: 3000, Stock: 1},
	}

	matches := filterServices(services, "", false)
	require.Len(t, matches, 2)
	assert.Equal(t, "tg", matches[0].ID)
	assert.Equal(t, "wa", matches[1].ID)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{in: "10000", want: 10000},
		{in: "10.000", want: 10000},
		{in: "25,000", want: 25000},
		{in: "10k", want: 10000},
		{in: "1,5jt", want: 1500000},
		{in: "50rb", want: 50000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseAmount("banyak")
	assert.Error(t, err)
}

func TestFormatRupiah(t *testing.T) {
	assert.Equal(t, "Rp0", formatRupiah(0))
	assert.Equal(t, "Rp950", formatRupiah(950))
	assert.Equal(t, "Rp15.000", formatRupiah(15000))
	assert.Equal(t, "Rp1.250.000", formatRupiah(1250000))
	assert.Equal(t, "-Rp5.000", formatRupiah(-5000))
}
