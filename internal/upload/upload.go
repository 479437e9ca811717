// Package upload pushes settled payments captured on this terminal to the
// primary, one sync target per payment.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/g960059/posrelay/internal/logging"
	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/syncworker"
	"github.com/g960059/posrelay/internal/transport"
)

const (
	ActionUpload = "upload"
	uploadPath   = "/payments/upload"
)

type Payment struct {
	PaymentID   string    `json:"payment_id"`
	CheckID     string    `json:"check_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	SettledAt   time.Time `json:"settled_at"`
}

type Sender interface {
	Do(ctx context.Context, baseURL string, r transport.Request) (transport.Response, error)
}

type Notifier interface {
	Notify(ctx context.Context, target model.SyncTarget) (syncworker.NotifyOutcome, error)
}

type Uploader struct {
	sender     Sender
	primaryURL string
	log        *slog.Logger
}

func NewUploader(sender Sender, primaryURL string, logger *slog.Logger) *Uploader {
	return &Uploader{
		sender:     sender,
		primaryURL: primaryURL,
		log:        logging.OrDefault(logger).With("component", "payment_upload"),
	}
}

// Submit hands p to the worker; the payment id is the dedup key, so a
// payment already uploaded is never sent again.
func Submit(ctx context.Context, w Notifier, p Payment) (syncworker.NotifyOutcome, error) {
	if strings.TrimSpace(p.PaymentID) == "" {
		return "", fmt.Errorf("%w: payment_id is required", model.ErrInvalid)
	}
	if p.AmountCents < 0 {
		return "", fmt.Errorf("%w: negative amount for %s", model.ErrInvalid, p.PaymentID)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payment %s: %w", p.PaymentID, err)
	}
	return w.Notify(ctx, model.SyncTarget{TargetID: p.PaymentID, Payload: body, Action: ActionUpload})
}

// Handle is the sync-worker handler.
func (u *Uploader) Handle(ctx context.Context, target model.SyncTarget) error {
	if _, err := u.sender.Do(ctx, u.primaryURL, transport.Request{
		Method: http.MethodPost,
		Path:   uploadPath,
		Body:   target.Payload,
	}); err != nil {
		return fmt.Errorf("upload payment %s: %w", target.TargetID, err)
	}
	u.log.Info("payment uploaded", "payment_id", target.TargetID)
	return nil
}
