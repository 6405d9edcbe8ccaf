package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-enginev1/internal/model"
)

// Dispatcher turns trade lifecycle events into alerts and delivers them to
// the configured backends. Delivery is best-effort: a failing backend is
// logged and skipped, never blocking the event stream.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, timeout: 10 * time.Second}
}

// Run consumes events until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			alert, ok := alertFor(evt)
			if !ok {
				continue
			}
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	for _, n := range d.notifiers {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := n.Send(sctx, alert); err != nil {
			log.Printf("[notify] deliver: %v", err)
		}
		cancel()
	}
}

// alertFor maps a lifecycle event to an alert. Events that do not warrant an
// external notification return ok=false.
func alertFor(evt model.Event) (Alert, bool) {
	symbol, _ := evt.Payload["symbol"].(string)
	switch evt.Type {
	case model.EventTradeClosed:
		reason, _ := evt.Payload["exitReason"].(string)
		return Alert{
			Level: AlertInfo,
			Title: fmt.Sprintf("Trade closed: %s", symbol),
			Message: fmt.Sprintf("trade %s closed (%s), pnl %v paise over %v days",
				evt.TradeID, reason, evt.Payload["realizedPnl"], evt.Payload["holdingDays"]),
		}, true
	case model.EventOrderRejected:
		code, _ := evt.Payload["errorCode"].(string)
		return Alert{
			Level:   AlertWarning,
			Title:   fmt.Sprintf("Order rejected: %s", symbol),
			Message: fmt.Sprintf("trade %s rejected: %s %v", evt.TradeID, code, evt.Payload["errorMessage"]),
		}, true
	case model.EventExitIntentFailed:
		return Alert{
			Level:   AlertCritical,
			Title:   fmt.Sprintf("Exit order failed: %s", symbol),
			Message: fmt.Sprintf("trade %s exit failed: %v, position still open", evt.TradeID, evt.Payload["errorCode"]),
		}, true
	default:
		return Alert{}, false
	}
}
