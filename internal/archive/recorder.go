package archive

import (
	"context"

	"go.uber.org/zap"

	"github.com/5-re-5/smore-front-sub000/internal/bus"
	"github.com/5-re-5/smore-front-sub000/internal/timeline"
)

// Recorder mirrors acknowledged timeline updates into the local archive.
type Recorder struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRecorder(db *DB, b *bus.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{db: db, bus: b, logger: logger}
}

// Start begins consuming timeline updates until Stop or ctx cancellation.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	events, unsub := r.bus.Subscribe("timeline.", 64)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind != bus.KindTimelineUpdated {
					continue
				}
				upd, ok := ev.Payload.(timeline.Update)
				if !ok {
					continue
				}
				saved, err := r.db.SaveMessages(upd.RoomID, upd.Messages)
				if err != nil {
					r.logger.Warn("archive write failed",
						zap.String("room", upd.RoomID),
						zap.Error(err))
					continue
				}
				if saved > 0 {
					r.logger.Debug("archived messages",
						zap.String("room", upd.RoomID),
						zap.Int("count", saved))
				}
			}
		}
	}()
}

func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
