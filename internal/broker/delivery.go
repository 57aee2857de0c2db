package broker

import "context"

// Deliver hands msg to h up to maxDeliveries times, stopping at the first
// success. Each attempt receives a fresh copy with Attempt set. failed is
// called after every failed attempt. The last error is returned when every
// delivery failed.
func Deliver(ctx context.Context, h Handler, msg *Message, maxDeliveries int, failed func(attempt int, err error)) error {
	if maxDeliveries < 1 {
		maxDeliveries = 1
	}
	var err error
	for attempt := 1; attempt <= maxDeliveries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		delivery := msg.Clone()
		delivery.Attempt = attempt
		if err = h.Handle(ctx, delivery); err == nil {
			return nil
		}
		if failed != nil {
			failed(attempt, err)
		}
	}
	return err
}
