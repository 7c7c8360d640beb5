package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ecb-maintenance/domain"
)

const resubscribeDelay = time.Second

// SubscribeUpdates listens for snapshots published by Cache.SaveBoard, on this or any other
// instance, and hands each one to apply. It reconnects until ctx is cancelled.
func SubscribeUpdates(ctx context.Context, rc *redis.Client, channel string, logger *log.Logger, apply func(domain.Snapshot)) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var snap domain.Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					logger.WithError(err).WithField("channel", channel).Error("unable to parse board update")
					continue
				}
				apply(snap)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}
