// Package rewards turns chat events into reward units for the linked account
// that owns the channel, and keeps a minimal Postgres ledger of them.
package rewards

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/streamkit/accounts"
	"github.com/onnwee/streamkit/chat"
)

// Reward units granted per subscription tier. Prime and unknown plans pay
// the tier 1 rate.
const (
	unitsTier1 = 250
	unitsTier2 = 500
	unitsTier3 = 1250
)

// SubscriptionUnits returns the reward units for a subscription of tier.
func SubscriptionUnits(tier int) int {
	switch tier {
	case chat.Tier3:
		return unitsTier3
	case chat.Tier2:
		return unitsTier2
	default:
		return unitsTier1
	}
}

// AccountResolver finds the linked account that owns a chat channel.
type AccountResolver interface {
	GetByPlatformHandle(ctx context.Context, handle string) (*accounts.Account, error)
}

// Ledger records reward units for an account. It is fire-and-forget: the
// ledger handles and reports its own failures.
type Ledger interface {
	AddReward(ctx context.Context, a *accounts.Account, units int, kind, channel string)
}

// Handlers converts chat events into ledger updates.
type Handlers struct {
	accounts AccountResolver
	ledger   Ledger
}

// NewHandlers returns handlers resolving channels through r and crediting l.
func NewHandlers(r AccountResolver, l Ledger) *Handlers {
	return &Handlers{accounts: r, ledger: l}
}

// Register installs one handler per reward-bearing event kind.
func (h *Handlers) Register(r chat.Registrar) {
	r.Handle(chat.KindCheer, h.Cheer)
	r.Handle(chat.KindSubscription, h.Subscription)
	r.Handle(chat.KindResubscription, h.Resubscription)
	r.Handle(chat.KindGiftedSubscription, h.GiftedSubscription)
}

// Cheer credits the channel owner with the cheered bits one for one.
func (h *Handlers) Cheer(ctx context.Context, ev chat.Event) error {
	slog.Info("bits cheered", slog.Int("bits", ev.Bits), slog.String("channel", ev.Channel), slog.String("component", "rewards"))
	if ev.Bits <= 0 {
		return nil
	}
	h.credit(ctx, ev, ev.Bits)
	return nil
}

// Subscription credits a new subscription by tier.
func (h *Handlers) Subscription(ctx context.Context, ev chat.Event) error {
	slog.Info("new subscriber", slog.Int("tier", ev.Tier), slog.String("channel", ev.Channel), slog.String("component", "rewards"))
	h.credit(ctx, ev, SubscriptionUnits(ev.Tier))
	return nil
}

// Resubscription credits a resubscription at the same rates as a new one.
func (h *Handlers) Resubscription(ctx context.Context, ev chat.Event) error {
	slog.Info("resubscriber", slog.Int("tier", ev.Tier), slog.String("channel", ev.Channel), slog.String("component", "rewards"))
	h.credit(ctx, ev, SubscriptionUnits(ev.Tier))
	return nil
}

// GiftedSubscription only logs. Whether the platform also sends a separate
// sub notice for each gift recipient is still open, so crediting here could
// count the same subscription twice.
func (h *Handlers) GiftedSubscription(_ context.Context, ev chat.Event) error {
	slog.Info("gifted subscription, no reward credited",
		slog.String("channel", ev.Channel),
		slog.Int("tier", ev.Tier),
		slog.Int("count", ev.Count),
		slog.String("recipient", ev.Recipient),
		slog.String("component", "rewards"))
	return nil
}

// credit resolves the channel owner and forwards units. A channel with no
// linked account, or a failed lookup, is logged here and goes no further.
func (h *Handlers) credit(ctx context.Context, ev chat.Event, units int) {
	a, err := h.accounts.GetByPlatformHandle(ctx, ev.Channel)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			slog.Info("no linked account for channel, event ignored",
				slog.String("kind", string(ev.Kind)), slog.String("channel", ev.Channel), slog.String("component", "rewards"))
			return
		}
		slog.Warn("resolve channel account failed",
			slog.String("kind", string(ev.Kind)), slog.String("channel", ev.Channel), slog.Any("err", err), slog.String("component", "rewards"))
		return
	}
	h.ledger.AddReward(ctx, a, units, string(ev.Kind), ev.Channel)
}
