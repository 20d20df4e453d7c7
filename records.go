package main

import (
	"context"
	"log/slog"

	"vaxllo/calls"
)

type recordStore interface {
	calls.RecordSink
	OwnerByID(ctx context.Context, id string) (calls.Owner, error)
}

type callNotifier interface {
	NotifyCall(ctx context.Context, chatID int64, rec calls.CallRecord) error
}

// recordFanout stores a classified call, then tells the owner on Telegram and
// pushes it to the live feed. Only the store can fail the save; notification
// problems are logged.
type recordFanout struct {
	store    recordStore
	notifier callNotifier
	feed     *FeedHub
	logger   *slog.Logger
}

var _ calls.RecordSink = (*recordFanout)(nil)

func newRecordFanout(store recordStore, notifier callNotifier, feed *FeedHub, logger *slog.Logger) *recordFanout {
	return &recordFanout{store: store, notifier: notifier, feed: feed, logger: logger.With("component", "records")}
}

func (f *recordFanout) SaveCallRecord(ctx context.Context, rec calls.CallRecord) error {
	if err := f.store.SaveCallRecord(ctx, rec); err != nil {
		return err
	}
	f.logger.Info("call record saved", "id", rec.ID, "owner_id", rec.OwnerID, "tag", rec.Tag, "urgency", rec.Urgency)

	f.feed.PublishCall(rec)

	if f.notifier == nil {
		return nil
	}
	owner, err := f.store.OwnerByID(ctx, rec.OwnerID)
	if err != nil {
		f.logger.Warn("owner lookup for notification failed", "id", rec.ID, "err", err)
		return nil
	}
	if err := f.notifier.NotifyCall(ctx, owner.TelegramChatID, rec); err != nil {
		f.logger.Warn("telegram notification failed", "id", rec.ID, "err", err)
	}
	return nil
}
