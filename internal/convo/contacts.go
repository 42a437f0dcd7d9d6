package convo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/store"
)

// TableContacts holds the last chat each user wrote from.
const TableContacts = "contacts"

// Contact is the reply target remembered for broadcasts.
type Contact struct {
	UserID   string    `json:"user_id"`
	ChatID   string    `json:"chat_id"`
	LastSeen time.Time `json:"last_seen"`
}

func (e *Engine) rememberContact(ctx context.Context, userID, chatID string) error {
	var c Contact
	return e.store.Update(ctx, store.Key(TableContacts, userID), &c, func(bool) (store.Mutation, error) {
		if c.ChatID == chatID && time.Since(c.LastSeen) < time.Hour {
			return store.Skip, nil
		}
		c = Contact{UserID: userID, ChatID: chatID, LastSeen: time.Now().UTC()}
		return store.Save, nil
	})
}

// Contacts lists every remembered contact.
func (e *Engine) Contacts(ctx context.Context) ([]Contact, error) {
	ids, err := e.store.Keys(TableContacts)
	if err != nil {
		return nil, apperr.System("list contacts", err)
	}
	contacts := make([]Contact, 0, len(ids))
	for _, id := range ids {
		var c Contact
		found, err := e.store.Read(ctx, store.Key(TableContacts, id), &c)
		if err != nil {
			e.logger.Warn("read contact failed", "user_id", id, "error", err)
			continue
		}
		if found && c.ChatID != "" {
			contacts = append(contacts, c)
		}
	}
	return contacts, nil
}

// Broadcast queues message for every contact and returns how many sends were
// scheduled. Delivery failures are logged by the serializer.
func (e *Engine) Broadcast(ctx context.Context, message string) (int, error) {
	if message == "" {
		return 0, apperr.Validation("message is empty")
	}
	contacts, err := e.Contacts(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, c := range contacts {
		err := e.queue.Submit("broadcast", func(ctx context.Context) error {
			if _, err := e.renderer.Render(ctx, chat.ChannelRef{ChatID: c.ChatID}, message, nil); err != nil {
				return fmt.Errorf("broadcast to %s: %w", c.UserID, err)
			}
			return nil
		})
		if err != nil {
			return queued, err
		}
		queued++
	}
	e.logger.Info("broadcast queued", "recipients", queued)
	return queued, nil
}

// PurgeUser removes every trace of a user: pending deposit, active order,
// history, balance and contact.
func (e *Engine) PurgeUser(ctx context.Context, userID string) error {
	if userID == "" {
		return apperr.Validation("user id is empty")
	}
	var errs []error
	if _, _, err := e.deposits.Cancel(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := e.orders.Purge(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := e.accounts.Purge(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Delete(ctx, store.Key(TableContacts, userID)); err != nil {
		errs = append(errs, apperr.System("purge contact", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info("user data purged", "user_id", userID)
	return nil
}
