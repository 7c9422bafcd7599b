package pipeline

import (
	"github.com/fanline/realtime/internal/dedupe"
	"github.com/fanline/realtime/internal/events"
)

// GuardPurchases wraps a purchase-created handler so a purchase reaching it
// through both the live pipeline and the named-event bus is handled once.
// Share one cache between every subscription of the same consumer. Payloads
// that do not decode are passed through.
func GuardPurchases(cache *dedupe.PurchaseCache, h events.Handler) events.Handler {
	return func(ev events.Event) {
		if ev.Name != events.NamePurchaseCreated {
			h(ev)
			return
		}
		var p events.PurchaseCreated
		if err := ev.Decode(&p); err == nil {
			if cache.CheckAndMark(dedupe.Purchase{
				ID:          p.PurchaseID,
				FanID:       p.FanID,
				Kind:        p.Kind,
				AmountCents: p.AmountCents,
				CreatedAt:   p.CreatedAt,
			}) {
				return
			}
		}
		h(ev)
	}
}
