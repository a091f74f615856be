// Package gate decides whether a user has satisfied all required channel
// join requests. It is a stateless coordinator over the store: the
// requirement set is read fresh on every check so administrative changes
// take effect immediately, across instances.
package gate

import (
	"context"
	"time"

	"gatebot/internal/storage"
	logx "gatebot/pkg/logx"
)

type Gate struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log}
}

// Required returns the current requirement set, ordered by channel id.
func (g *Gate) Required(ctx context.Context) ([]int64, error) {
	return g.store.RequiredChannels(ctx)
}

// Missing returns the required channels for which userID has no recorded
// join request. An empty result means the user is admitted. Pure read.
func (g *Gate) Missing(ctx context.Context, userID int64) ([]int64, error) {
	required, err := g.store.RequiredChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(required) == 0 {
		return nil, nil
	}

	requested, err := g.store.RequestedChannels(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{}, len(requested))
	for _, ch := range requested {
		seen[ch] = struct{}{}
	}

	var missing []int64
	for _, ch := range required {
		if _, ok := seen[ch]; !ok {
			missing = append(missing, ch)
		}
	}
	return missing, nil
}

// RecordCompletion upserts a recorded join request for every channel in the
// current requirement set. Idempotent: re-recording only advances
// timestamps.
func (g *Gate) RecordCompletion(ctx context.Context, userID int64) error {
	required, err := g.store.RequiredChannels(ctx)
	if err != nil {
		return err
	}
	if len(required) == 0 {
		return nil
	}
	if err := g.store.RecordJoinRequests(ctx, userID, required, time.Now()); err != nil {
		return err
	}
	g.log.Debug("join requests recorded", logx.Int64("user_id", userID), logx.Int("channels", len(required)))
	return nil
}

// RecordJoinRequest records a single (user, channel) pair. Used when the
// transport delivers a native join-request update for one channel.
func (g *Gate) RecordJoinRequest(ctx context.Context, userID, channelID int64) error {
	return g.store.RecordJoinRequests(ctx, userID, []int64{channelID}, time.Now())
}

// AddRequirement adds a channel to the requirement set. Takes effect for
// all subsequent Missing calls; previously recorded requests are untouched.
func (g *Gate) AddRequirement(ctx context.Context, channelID int64) error {
	if err := g.store.AddRequiredChannel(ctx, channelID); err != nil {
		return err
	}
	g.log.Info("requirement added", logx.Int64("channel_id", channelID))
	return nil
}

// RemoveRequirement removes a channel from the requirement set. Recorded
// join requests for that channel remain valid if it is ever re-added.
func (g *Gate) RemoveRequirement(ctx context.Context, channelID int64) error {
	if err := g.store.RemoveRequiredChannel(ctx, channelID); err != nil {
		return err
	}
	g.log.Info("requirement removed", logx.Int64("channel_id", channelID))
	return nil
}

// DeleteRequests purges all recorded join requests for one user.
func (g *Gate) DeleteRequests(ctx context.Context, userID int64) (int64, error) {
	return g.store.DeleteJoinRequests(ctx, userID)
}

// DeleteAllRequests purges every recorded join request.
func (g *Gate) DeleteAllRequests(ctx context.Context) (int64, error) {
	return g.store.DeleteAllJoinRequests(ctx)
}

// RequestCount returns the number of recorded join requests.
func (g *Gate) RequestCount(ctx context.Context) (int64, error) {
	return g.store.CountJoinRequests(ctx)
}
