// Package convo turns chat events into ledger, order and deposit operations
// and renders their results back to the user.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/deposit"
	"bot-otp/internal/ledger"
	"bot-otp/internal/metrics"
	"bot-otp/internal/order"
	"bot-otp/internal/queue"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
)

// Catalog lists what can be rented.
type Catalog interface {
	Countries(ctx context.Context) ([]rental.Country, error)
	Services(ctx context.Context, country string, fresh bool) ([]rental.Service, error)
}

// Orders is the order manager surface used by the engine.
type Orders interface {
	Reserve(ctx context.Context, req order.ReserveRequest) (*order.Order, error)
	Active(ctx context.Context, userID string) (*order.Order, bool, error)
	Cancel(ctx context.Context, userID string) (*order.CancelResult, error)
	History(ctx context.Context, userID string) ([]order.HistoryEntry, error)
	TopServices(ctx context.Context, n int) ([]order.TopService, error)
	Purge(ctx context.Context, userID string) error
}

// Deposits is the deposit reconciler surface used by the engine.
type Deposits interface {
	Create(ctx context.Context, userID string, amount int64, channel chat.ChannelRef) (*deposit.Transaction, error)
	Cancel(ctx context.Context, userID string) (*deposit.Transaction, bool, error)
	AttachMessage(trxID string, msg chat.ChannelRef)
}

// Accounts is the ledger surface used by the engine.
type Accounts interface {
	Touch(ctx context.Context, userID string) (*ledger.User, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Purge(ctx context.Context, userID string) error
}

// EngineConfig holds conversation defaults.
type EngineConfig struct {
	DefaultCountry string
	HandlerTimeout time.Duration
}

// Engine dispatches chat events through the task serializer.
type Engine struct {
	store    *store.Store
	accounts Accounts
	orders   Orders
	deposits Deposits
	catalog  Catalog
	renderer chat.Renderer
	queue    *queue.Serializer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      EngineConfig
}

// New creates an engine.
func New(st *store.Store, accounts Accounts, orders Orders, deposits Deposits, catalog Catalog, renderer chat.Renderer, q *queue.Serializer, m *metrics.Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "6"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = time.Minute
	}
	return &Engine{
		store:    st,
		accounts: accounts,
		orders:   orders,
		deposits: deposits,
		catalog:  catalog,
		renderer: renderer,
		queue:    q,
		metrics:  m,
		logger:   logger.With("component", "convo"),
		cfg:      cfg,
	}
}

// HandleEvent queues evt for processing.
func (e *Engine) HandleEvent(_ context.Context, evt chat.Event) error {
	if evt.UserID == "" || evt.ChatID == "" {
		return apperr.Validation("event without user or chat")
	}
	e.metrics.ChatIn(evt.Action)
	return e.queue.Submit("event:"+evt.Action, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
		defer cancel()
		return e.process(ctx, evt)
	})
}

func (e *Engine) process(ctx context.Context, evt chat.Event) error {
	if _, err := e.accounts.Touch(ctx, evt.UserID); err != nil {
		e.logger.Error("touch user failed", "user_id", evt.UserID, "error", err)
	}
	if err := e.rememberContact(ctx, evt.UserID, evt.ChatID); err != nil {
		e.logger.Warn("record contact failed", "user_id", evt.UserID, "error", err)
	}

	var err error
	switch evt.Action {
	case "start":
		err = e.handleStart(ctx, evt)
	case "balance":
		err = e.handleBalance(ctx, evt)
	case "countries":
		err = e.handleCountries(ctx, evt)
	case "services":
		err = e.handleServices(ctx, evt)
	case "buy":
		err = e.handleBuy(ctx, evt)
	case "cancel":
		err = e.handleCancel(ctx, evt)
	case "history":
		err = e.handleHistory(ctx, evt)
	case "deposit":
		err = e.handleDeposit(ctx, evt)
	case "cancel_deposit":
		err = e.handleCancelDeposit(ctx, evt)
	case "top":
		err = e.handleTop(ctx, evt)
	default:
		err = e.handleStart(ctx, evt)
	}
	if err == nil {
		return nil
	}

	e.reply(ctx, evt, userMessage(err), nil)
	if apperr.KindOf(err) == apperr.KindSystem {
		return fmt.Errorf("%s: %w", evt.Action, err)
	}
	e.logger.Info("request rejected", "user_id", evt.UserID, "action", evt.Action, "kind", apperr.KindOf(err), "error", err)
	return nil
}

func (e *Engine) handleStart(ctx context.Context, evt chat.Event) error {
	text := strings.Join([]string{
		"Selamat datang di layanan nomor OTP.",
		"Isi saldo, pilih layanan, dan kode SMS akan dikirim ke sini.",
	}, "\n")
	e.reply(ctx, evt, text, []chat.Action{
		{Label: "Cek saldo", Name: "balance"},
		{Label: "Daftar negara", Name: "countries"},
		{Label: "Layanan", Name: "services", Params: []string{e.cfg.DefaultCountry}},
		{Label: "Isi saldo", Name: "deposit", Params: []string{"<nominal>"}},
		{Label: "Riwayat", Name: "history"},
		{Label: "Terlaris", Name: "top"},
	})
	return nil
}

func (e *Engine) handleBalance(ctx context.Context, evt chat.Event) error {
	balance, err := e.accounts.Balance(ctx, evt.UserID)
	if err != nil && !errors.Is(err, apperr.ErrUserNotFound) {
		return err
	}
	text := fmt.Sprintf("Saldo kamu: %s", formatRupiah(balance))
	if o, found, err := e.orders.Active(ctx, evt.UserID); err == nil && found {
		text += fmt.Sprintf("\nPesanan aktif: %s (%s), menunggu SMS.", o.Number, o.ServiceName)
	}
	e.reply(ctx, evt, text, []chat.Action{{Label: "Isi saldo", Name: "deposit", Params: []string{"<nominal>"}}})
	return nil
}

func (e *Engine) handleCountries(ctx context.Context, evt chat.Event) error {
	countries, err := e.catalog.Countries(ctx)
	if err != nil {
		return err
	}
	e.reply(ctx, evt, formatCountries(countries), nil)
	return nil
}

// handleServices expects "[country] [query...]".
func (e *Engine) handleServices(ctx context.Context, evt chat.Event) error {
	country := e.cfg.DefaultCountry
	params := evt.Params
	if len(params) > 0 && isNumeric(params[0]) {
		country = params[0]
		params = params[1:]
	}
	services, err := e.catalog.Services(ctx, country, false)
	if err != nil {
		return err
	}
	matches := filterServices(services, strings.Join(params, " "), false)
	e.reply(ctx, evt, formatServices(country, matches), nil)
	return nil
}

// handleBuy accepts "<service>", "<service> <price>", "<country> <service>"
// and "<country> <service> <price>".
func (e *Engine) handleBuy(ctx context.Context, evt chat.Event) error {
	req := order.ReserveRequest{
		UserID:  evt.UserID,
		Country: e.cfg.DefaultCountry,
		Channel: evt.Channel(),
	}
	params := evt.Params
	switch len(params) {
	case 1:
		req.ServiceID = params[0]
	case 2:
		if price, err := parseAmount(params[1]); err == nil && isNumeric(params[1]) {
			req.ServiceID, req.ExpectedPrice = params[0], price
		} else {
			req.Country, req.ServiceID = params[0], params[1]
		}
	case 3:
		price, err := parseAmount(params[2])
		if err != nil {
			return apperr.Validation("harga %q tidak valid", params[2])
		}
		req.Country, req.ServiceID, req.ExpectedPrice = params[0], params[1], price
	default:
		return apperr.Validation("format: /buy <negara> <kode layanan> <harga>")
	}

	o, err := e.orders.Reserve(ctx, req)
	if err != nil {
		var changed *order.PriceChangedError
		if errors.As(err, &changed) {
			e.reply(ctx, evt, fmt.Sprintf("Harga berubah dari %s menjadi %s.", formatRupiah(changed.Expected), formatRupiah(changed.Current)),
				[]chat.Action{{Label: "Beli dengan harga baru", Name: "buy", Params: []string{req.Country, req.ServiceID, fmt.Sprint(changed.Current)}}})
			return nil
		}
		return err
	}
	e.reply(ctx, evt, fmt.Sprintf("Nomor %s untuk %s siap dipakai. Harga %s.\nKode SMS akan dikirim otomatis.", o.Number, o.ServiceName, formatRupiah(o.Price)),
		[]chat.Action{{Label: "Batalkan", Name: "cancel"}})
	return nil
}

func (e *Engine) handleCancel(ctx context.Context, evt chat.Event) error {
	res, err := e.orders.Cancel(ctx, evt.UserID)
	if err != nil {
		return err
	}
	switch res.Status {
	case order.CancelNotFound:
		e.reply(ctx, evt, "Tidak ada pesanan aktif.", nil)
	case order.CancelTooEarly:
		e.reply(ctx, evt, fmt.Sprintf("Pesanan baru bisa dibatalkan %s lagi.", formatWait(res.Remaining)),
			[]chat.Action{{Label: "Coba lagi", Name: "cancel"}})
	case order.CancelInProgress:
		e.reply(ctx, evt, "Pembatalan sedang diproses.", nil)
	case order.CancelDone:
		// the order manager notifies the refund itself
	}
	return nil
}

func (e *Engine) handleHistory(ctx context.Context, evt chat.Event) error {
	entries, err := e.orders.History(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		e.reply(ctx, evt, "Belum ada riwayat pesanan.", nil)
		return nil
	}
	var b strings.Builder
	b.WriteString("Riwayat pesanan:\n")
	for _, h := range entries {
		fmt.Fprintf(&b, "- %s %s %s: %s (%s)\n", h.CompletedAt.Format("02/01 15:04"), h.ServiceName, h.Number, h.SMSCode, formatRupiah(h.Price))
	}
	e.reply(ctx, evt, strings.TrimSpace(b.String()), nil)
	return nil
}

func (e *Engine) handleDeposit(ctx context.Context, evt chat.Event) error {
	if len(evt.Params) == 0 {
		return apperr.Validation("format: /deposit <nominal>")
	}
	amount, err := parseAmount(strings.Join(evt.Params, ""))
	if err != nil {
		return apperr.Validation("nominal %q tidak valid", strings.Join(evt.Params, " "))
	}

	tx, err := e.deposits.Create(ctx, evt.UserID, amount, evt.Channel())
	if err != nil {
		var pending *deposit.PendingDepositError
		if errors.As(err, &pending) {
			e.reply(ctx, evt, fmt.Sprintf("Masih ada deposit %s sebesar %s yang belum dibayar.", pending.Existing.TrxID, formatRupiah(pending.Existing.Amount)),
				[]chat.Action{{Label: "Batalkan deposit", Name: "cancel_deposit"}})
			return nil
		}
		return err
	}

	text := fmt.Sprintf("Deposit %s\nNominal: %s\nBiaya: %s\nBayar sebelum %s dengan QRIS berikut:\n%s",
		tx.TrxID, formatRupiah(tx.Amount), formatRupiah(tx.Fee), tx.ExpiresAt.Format("15:04"), tx.QRPayload)
	ref := e.reply(ctx, evt, text, []chat.Action{{Label: "Batalkan deposit", Name: "cancel_deposit"}})
	if ref.MessageID != "" {
		e.deposits.AttachMessage(tx.TrxID, ref)
	}
	return nil
}

func (e *Engine) handleCancelDeposit(ctx context.Context, evt chat.Event) error {
	_, ok, err := e.deposits.Cancel(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if !ok {
		e.reply(ctx, evt, "Tidak ada deposit yang menunggu pembayaran.", nil)
	}
	return nil
}

func (e *Engine) handleTop(ctx context.Context, evt chat.Event) error {
	top, err := e.orders.TopServices(ctx, 5)
	if err != nil {
		return err
	}
	if len(top) == 0 {
		e.reply(ctx, evt, "Belum ada layanan terlaris.", nil)
		return nil
	}
	var b strings.Builder
	b.WriteString("Layanan terlaris:\n")
	for i, s := range top {
		fmt.Fprintf(&b, "%d. %s (%s) - %d pesanan\n", i+1, s.Name, s.ServiceID, s.Count)
	}
	e.reply(ctx, evt, strings.TrimSpace(b.String()), nil)
	return nil
}

func (e *Engine) reply(ctx context.Context, evt chat.Event, content string, actions []chat.Action) chat.ChannelRef {
	ref, err := e.renderer.Render(ctx, evt.Channel(), content, actions)
	if err != nil {
		e.metrics.Error("convo_reply")
		e.logger.Warn("reply failed", "user_id", evt.UserID, "action", evt.Action, "error", err)
	}
	return ref
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func formatWait(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%d detik", int(d.Seconds()))
	}
	return fmt.Sprintf("%d menit %d detik", int(d.Minutes()), int(d.Seconds())%60)
}
