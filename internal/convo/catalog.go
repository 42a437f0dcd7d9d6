package convo

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"bot-otp/internal/rental"
)

var amountRegex = regexp.MustCompile(`\d+(?:[.,]?\d+)*`)

const listLimit = 15

// filterServices ranks services against a free-text query. An empty query
// keeps every service with stock, cheapest first.
func filterServices(services []rental.Service, query string, full bool) []rental.Service {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		res := make([]rental.Service, 0, len(services))
		for _, s := range services {
			if s.Stock > 0 {
				res = append(res, s)
			}
		}
		sort.SliceStable(res, func(i, j int) bool { return res[i].Price < res[j].Price })
		if full {
			return res
		}
		return topN(res, listLimit)
	}

	tokens := strings.Fields(query)
	var scored []scoredService
	for _, s := range services {
		if score := matchScore(s, tokens); score > 0 {
			scored = append(scored, scoredService{Service: s, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Service.Price < scored[j].Service.Price
		}
		return scored[i].Score > scored[j].Score
	})

	top := make([]rental.Service, 0, len(scored))
	for _, sc := range scored {
		top = append(top, sc.Service)
	}
	if full {
		return top
	}
	return topN(top, listLimit)
}

type scoredService struct {
	Service rental.Service
	Score   int
}

func matchScore(s rental.Service, tokens []string) int {
	name := strings.ToLower(s.Name)
	id := strings.ToLower(s.ID)
	score := 0
	for _, token := range tokens {
		if id == token {
			score += 10
		}
		if strings.Contains(name, token) {
			score += 4
		}
		if strings.Contains(id, token) {
			score += 3
		}
	}
	if score > 0 && s.Stock <= 0 {
		score = 1
	}
	return score
}

func topN(items []rental.Service, n int) []rental.Service {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func formatServices(country string, services []rental.Service) string {
	if len(services) == 0 {
		return "Belum ada layanan yang cocok."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Layanan negara %s:\n", country)
	for _, s := range services {
		stock := "habis"
		if s.Stock > 0 {
			stock = strconv.Itoa(s.Stock)
		}
		fmt.Fprintf(&b, "- %s (%s) - %s [stok %s]\n", s.Name, s.ID, formatRupiah(s.Price), stock)
	}
	b.WriteString("\nBeli dengan: /buy <negara> <kode> <harga>")
	return strings.TrimSpace(b.String())
}

func formatCountries(countries []rental.Country) string {
	if len(countries) == 0 {
		return "Belum ada negara yang tersedia."
	}
	var b strings.Builder
	b.WriteString("Daftar negara:\n")
	for _, c := range countries {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Name, c.ID)
	}
	b.WriteString("\nLihat layanan dengan: /services <kode negara>")
	return strings.TrimSpace(b.String())
}

// parseAmount reads "10000", "10.000", "10k" or "1,5m" style amounts.
func parseAmount(text string) (int64, error) {
	if text == "" {
		return 0, fmt.Errorf("empty amount")
	}
	text = strings.ToLower(strings.TrimSpace(text))
	matches := amountRegex.FindAllString(text, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("no numeric value")
	}

	value := matches[0]
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(text, "k") || strings.HasSuffix(text, "rb"):
		multiplier = 1000
	case strings.HasSuffix(text, "m") || strings.HasSuffix(text, "jt"):
		multiplier = 1000000
	}
	if multiplier > 1 {
		// "1,5k" and "1.5k" are decimals, not thousand separators
		f, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
		if err != nil {
			return 0, err
		}
		return int64(f * float64(multiplier)), nil
	}

	value = strings.ReplaceAll(value, ".", "")
	value = strings.ReplaceAll(value, ",", "")
	return strconv.ParseInt(value, 10, 64)
}

// formatRupiah renders 15000 as "Rp15.000".
func formatRupiah(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return sign + "Rp" + b.String()
}
