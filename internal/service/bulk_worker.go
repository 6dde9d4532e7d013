package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
	"github.com/unclebandit/dispatch-engine/internal/metrics"
	"github.com/unclebandit/dispatch-engine/internal/model"
	"github.com/unclebandit/dispatch-engine/internal/repository"
	"github.com/unclebandit/dispatch-engine/internal/whatsapp"
)

const maxErrorRunes = 1000

// BulkWorker drains bulk campaigns one item at a time, pacing consecutive
// sends with a random delay taken from the campaign's [min, max] range.
type BulkWorker struct {
	Repo          repository.CampaignRepositoryInterface
	Sender        whatsapp.Sender
	CampaignLimit int
	ItemLimit     int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type BulkResult struct {
	Campaigns int
	Sent      int
	Failed    int
	Skipped   int
	Finished  int
}

func (w *BulkWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *BulkWorker) sleep(ctx context.Context, d time.Duration) error {
	if w.Sleep != nil {
		return w.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomDelay(minMs, maxMs int) time.Duration {
	ms := minMs
	if maxMs > minMs {
		ms += rand.Intn(maxMs - minMs + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// RunOnce runs one pass over the eligible campaigns.
func (w *BulkWorker) RunOnce(ctx context.Context) (BulkResult, error) {
	var result BulkResult

	limit := w.CampaignLimit
	if limit <= 0 {
		limit = 5
	}
	campaigns, err := w.Repo.ListEligible(ctx, w.now(), limit)
	if err != nil {
		return result, fmt.Errorf("list eligible campaigns: %w", err)
	}

	for _, c := range campaigns {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Campaigns++
		if err := w.processCampaign(ctx, c, &result); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			logrus.WithField("campaign_id", c.ID).WithError(err).Error("[BULK] campaign pass failed")
		}
	}
	return result, nil
}

func (w *BulkWorker) processCampaign(ctx context.Context, c *model.Campaign, result *BulkResult) error {
	entry := logrus.WithField("campaign_id", c.ID)

	if c.Status == model.CampaignQueued {
		ok, err := w.Repo.MarkRunning(ctx, c.ID, w.now())
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		if !ok {
			entry.Info("[BULK] campaign changed status before start, skipping")
			return nil
		}
		c.Status = model.CampaignRunning
		entry.Info("[BULK] campaign started")
	}

	itemLimit := w.ItemLimit
	if itemLimit <= 0 {
		itemLimit = 20
	}
	items, err := w.Repo.ListPendingItems(ctx, c.ID, itemLimit)
	if err != nil {
		return fmt.Errorf("list pending items: %w", err)
	}

	minDelay, maxDelay := NormalizeDelays(c.MinDelayMs, c.MaxDelayMs)
	handled := 0
	for _, item := range items {
		skipped, err := w.repairIfDelivered(ctx, item)
		if err != nil {
			entry.WithField("item_id", item.ID).WithError(err).Error("[BULK] delivery log check failed")
			continue
		}
		if skipped {
			result.Skipped++
			continue
		}

		if handled > 0 {
			if err := w.sleep(ctx, randomDelay(minDelay, maxDelay)); err != nil {
				return err
			}
		}
		handled++

		switch w.deliver(ctx, c, item) {
		case model.RecipientSent:
			result.Sent++
		case model.RecipientFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}

	finished, err := w.finishIfDrained(ctx, c)
	if err != nil {
		return err
	}
	if finished {
		result.Finished++
	}
	return nil
}

// repairIfDelivered handles an item that the delivery log already records
// as sent: the item row is fixed up without another send.
func (w *BulkWorker) repairIfDelivered(ctx context.Context, item *model.Recipient) (bool, error) {
	delivered, err := w.Repo.IsDelivered(ctx, item.CampaignID, item.ID)
	if err != nil || !delivered {
		return false, err
	}
	if err := w.Repo.MarkItemDelivered(ctx, item.ID, w.now()); err != nil {
		return false, err
	}
	metrics.BulkItems.WithLabelValues("skipped").Inc()
	logrus.WithFields(logrus.Fields{
		"campaign_id": item.CampaignID,
		"item_id":     item.ID,
	}).Info("[BULK] item already delivered, not resending")
	return true, nil
}

// deliver sends one item and persists the outcome. It returns sent, failed
// or skipped.
func (w *BulkWorker) deliver(ctx context.Context, c *model.Campaign, item *model.Recipient) (outcome string) {
	entry := logrus.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"item_id":     item.ID,
		"to":          item.ToE164,
	})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("[BULK] panic: %v\n%s", r, debug.Stack())
			outcome = w.fail(ctx, entry, item, fmt.Errorf("panic: %v", r))
		}
	}()

	if item.ToE164 == "" {
		return w.fail(ctx, entry, item, appErrors.Permanent(errors.New("destination is not a valid E.164 number")))
	}

	if !c.Simulation {
		_, err := w.Sender.Send(ctx, whatsapp.Message{
			To:       item.ToE164,
			Body:     c.Message,
			MediaURL: c.MediaURL,
			Metadata: map[string]string{
				"campaign_id": fmt.Sprint(c.ID),
				"item_id":     fmt.Sprint(item.ID),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down: leave the item pending for the next pass.
				return "skipped"
			}
			return w.fail(ctx, entry, item, err)
		}
	}

	err := w.Repo.RecordSuccess(ctx, item, w.now())
	if errors.Is(err, appErrors.ErrAlreadyDelivered) {
		metrics.BulkItems.WithLabelValues("skipped").Inc()
		entry.Warn("[BULK] delivery already recorded by another pass")
		return "skipped"
	}
	if err != nil {
		return w.settleUnrecorded(ctx, entry, item, err)
	}
	metrics.BulkItems.WithLabelValues(model.RecipientSent).Inc()
	entry.WithField("simulation", c.Simulation).Debug("[BULK] item sent")
	return model.RecipientSent
}

// settleUnrecorded handles a message that went out but whose success could
// not be stored. The item must leave pending either way, or the next pass
// would send it again: mark it sent, or failing that, failed.
func (w *BulkWorker) settleUnrecorded(ctx context.Context, entry *logrus.Entry, item *model.Recipient, cause error) string {
	entry = entry.WithError(cause)
	if err := w.Repo.MarkItemDelivered(ctx, item.ID, w.now()); err == nil {
		metrics.BulkItems.WithLabelValues(model.RecipientSent).Inc()
		entry.Warn("[BULK] delivery record incomplete, item marked sent")
		return model.RecipientSent
	}
	entry.Error("[BULK] could not record delivery, marking item failed")
	return w.fail(ctx, entry, item, fmt.Errorf("sent but not recorded: %w", cause))
}

func (w *BulkWorker) fail(ctx context.Context, entry *logrus.Entry, item *model.Recipient, cause error) string {
	if err := w.Repo.RecordFailure(ctx, item, truncateRunes(cause.Error(), maxErrorRunes)); err != nil {
		entry.WithError(err).Error("[BULK] could not record failure")
		return "skipped"
	}
	metrics.BulkItems.WithLabelValues(model.RecipientFailed).Inc()
	entry.WithError(cause).Warn("[BULK] item failed")
	return model.RecipientFailed
}

func (w *BulkWorker) finishIfDrained(ctx context.Context, c *model.Campaign) (bool, error) {
	pending, err := w.Repo.CountPendingItems(ctx, c.ID)
	if err != nil {
		return false, fmt.Errorf("count pending items: %w", err)
	}
	if pending > 0 {
		return false, nil
	}
	ok, err := w.Repo.MarkFinished(ctx, c.ID, w.now())
	if err != nil {
		return false, fmt.Errorf("mark finished: %w", err)
	}
	if ok {
		logrus.WithField("campaign_id", c.ID).Info("[BULK] campaign finished")
	}
	return ok, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
