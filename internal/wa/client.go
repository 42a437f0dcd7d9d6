package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"bot-otp/internal/chat"
	"bot-otp/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// EventHandler consumes parsed user actions.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt chat.Event) error
}

// Client wraps the WhatsMeow client and implements chat.Renderer.
type Client struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler EventHandler
}

var _ chat.Renderer = (*Client)(nil)

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetEventHandler registers the consumer of inbound actions.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Render sends content with its follow-up actions as a text message and
// returns a reference to the sent message.
func (c *Client) Render(ctx context.Context, target chat.ChannelRef, content string, actions []chat.Action) (chat.ChannelRef, error) {
	to, err := types.ParseJID(target.ChatID)
	if err != nil {
		return chat.ChannelRef{}, fmt.Errorf("parse chat id %q: %w", target.ChatID, err)
	}
	message := &waProto.Message{
		Conversation: proto.String(FormatMessage(content, actions)),
	}
	resp, err := c.client.SendMessage(ctx, to, message)
	if err != nil {
		c.metrics.Error("wa_send")
		return chat.ChannelRef{}, fmt.Errorf("send text: %w", err)
	}
	c.metrics.ChatOut("text")
	return chat.ChannelRef{ChatID: target.ChatID, MessageID: string(resp.ID)}, nil
}

// DeleteMessage revokes a message previously sent by the bot.
func (c *Client) DeleteMessage(ctx context.Context, target chat.ChannelRef) error {
	if target.MessageID == "" {
		return nil
	}
	to, err := types.ParseJID(target.ChatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", target.ChatID, err)
	}
	revoke := c.client.BuildRevoke(to, types.EmptyJID, types.MessageID(target.MessageID))
	if _, err := c.client.SendMessage(ctx, to, revoke); err != nil {
		return fmt.Errorf("revoke message: %w", err)
	}
	c.metrics.ChatOut("revoke")
	return nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case msg.GetConversation() != "":
		text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		text = msg.GetExtendedTextMessage().GetText()
	default:
		c.logger.Debug("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	action, params, ok := ParseCommand(text)
	if !ok {
		return
	}
	sender := evt.Info.Sender.ToNonAD()
	c.logger.Info("received command", "from", sender.String(), "action", action)

	if c.handler == nil {
		return
	}
	event := chat.Event{
		UserID: sender.User,
		ChatID: evt.Info.Chat.String(),
		Action: action,
		Params: params,
	}
	if err := c.handler.HandleEvent(context.Background(), event); err != nil {
		c.logger.Warn("event rejected", "from", sender.String(), "action", action, "error", err)
	}
}

// FormatMessage appends the actions as command hints below content.
func FormatMessage(content string, actions []chat.Action) string {
	if len(actions) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n")
	for _, a := range actions {
		b.WriteString("\n• ")
		b.WriteString(a.Label)
		b.WriteString(": /")
		b.WriteString(a.Name)
		for _, p := range a.Params {
			b.WriteString(" ")
			b.WriteString(p)
		}
	}
	return b.String()
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
