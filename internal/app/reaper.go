package app

import (
	"context"
	"errors"
	"time"

	"docuvault/api/internal/store"
)

// reaperActorID marks cancellations and releases initiated by the overdue
// sweep; it goes through the ordinary Cancel/ForceReleaseLock paths.
const reaperActorID = "system:reaper"

// Reaper periodically cancels validation requests past their due date and
// force-releases locks past their scheduled unlock.
type Reaper struct {
	service  *Service
	interval time.Duration
}

func NewReaper(service *Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{service: service, interval: interval}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Individual failures are logged and skipped so one
// contested document cannot stall the rest of the batch.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()

	overdue, err := r.service.store.ListOverdueRequests(ctx, now)
	if err != nil {
		r.service.log.Error().Err(err).Msg("reaper: list overdue requests")
	}
	for _, req := range overdue {
		if err := r.service.Cancel(ctx, req.ID, reaperActorID); err != nil {
			// A racing decision may have completed the request; that is fine.
			var completed *store.RequestCompletedError
			if errors.As(err, &completed) {
				continue
			}
			r.service.log.Error().Err(err).
				Str("request_id", req.ID).
				Str("document_id", req.DocumentID).
				Msg("reaper: cancel overdue request")
		}
	}

	expired, err := r.service.store.ListExpiredLocks(ctx, now)
	if err != nil {
		r.service.log.Error().Err(err).Msg("reaper: list expired locks")
	}
	for _, doc := range expired {
		if err := r.service.ForceReleaseLock(ctx, doc.ID, reaperActorID); err != nil {
			r.service.log.Error().Err(err).
				Str("document_id", doc.ID).
				Msg("reaper: release expired lock")
		}
	}
}
