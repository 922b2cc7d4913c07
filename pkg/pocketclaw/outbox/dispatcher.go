package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Deliverer sends text to a user on a named channel.
type Deliverer interface {
	Send(ctx context.Context, channel, userID, text string) error
	Channels() []string
}

// Dispatcher drains the outbox into the channels, one loop per channel.
type Dispatcher struct {
	outbox    *Outbox
	deliverer Deliverer
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(o *Outbox, d Deliverer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		outbox:    o,
		deliverer: d,
		logger:    logger.With("component", "outbox-dispatcher"),
	}
}

// Run starts one polling loop per channel known to the deliverer and
// blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	names := d.deliverer.Channels()
	if len(names) == 0 {
		d.logger.Warn("no channels registered, outbox delivery idle")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			d.loop(ctx, channel)
		}(name)
	}
	d.logger.Info("outbox dispatcher started",
		"channels", len(names),
		"poll_interval", d.outbox.cfg.PollInterval.String(),
	)
	wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, channel string) {
	ticker := time.NewTicker(d.outbox.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Drain(ctx, channel); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox pass failed", "channel", channel, "error", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Drain makes one delivery pass over the eligible rows of channel and
// returns how many were delivered. Delivery failures go through the retry
// policy and are not returned; only repository errors are.
func (d *Dispatcher) Drain(ctx context.Context, channel string) (int, error) {
	msgs, err := d.outbox.ListPending(channel)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.deliverer.Send(ctx, msg.Channel, msg.UserID, msg.Text); err != nil {
			if ferr := d.outbox.Fail(msg, err); ferr != nil {
				return delivered, ferr
			}
			continue
		}
		if err := d.outbox.Acknowledge(msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if delivered > 0 {
		d.logger.Debug("outbox pass delivered", "channel", channel, "count", delivered)
	}
	return delivered, nil
}
