package wa

import "strings"

var commandAliases = map[string]string{
	"start":          "start",
	"menu":           "start",
	"help":           "start",
	"bantuan":        "start",
	"balance":        "balance",
	"saldo":          "balance",
	"countries":      "countries",
	"negara":         "countries",
	"services":       "services",
	"layanan":        "services",
	"buy":            "buy",
	"beli":           "buy",
	"order":          "buy",
	"cancel":         "cancel",
	"batal":          "cancel",
	"history":        "history",
	"riwayat":        "history",
	"deposit":        "deposit",
	"topup":          "deposit",
	"cancel_deposit": "cancel_deposit",
	"bataldeposit":   "cancel_deposit",
	"top":            "top",
}

// ParseCommand turns "/buy 6 wa 5000" into action "buy" and its params.
// Commands may start with "/", "." or "!", or be a bare keyword. ok is false
// for chatter that is not a command.
func ParseCommand(text string) (action string, params []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", nil, false
	}
	head := strings.ToLower(strings.TrimLeft(fields[0], "/.!"))
	action, ok = commandAliases[head]
	if !ok {
		return "", nil, false
	}
	if len(fields) > 1 {
		params = fields[1:]
	}
	return action, params, true
}
