// Package store holds the in-memory set of servable experiments.
//
// The Store is read on every assignment and must never block on I/O. It is
// filled by a full Load from the experiment repository, refreshed on a fixed
// interval by Run, and kept current between refreshes by push updates
// applied through Apply, usually from a Feed via Consume.
//
// # Feeds
//
//   - ChannelFeed: in-process channel, used by tests and embedders
//   - RedisFeed: Redis pub/sub, paired with RedisPublisher on the writing side
//   - FileFeed: a directory of YAML definitions watched with fsnotify
//
// Every update goes through the same validation as a definition written by
// the lifecycle manager. An update that fails validation is logged and
// dropped, and the entry already cached for that experiment stays in place.
//
// # Usage
//
//	s := store.New(repo,
//	    store.WithLogger(logger),
//	    store.WithRefreshInterval(cfg.Store.RefreshInterval),
//	)
//	if err := s.Load(ctx); err != nil {
//	    return err
//	}
//	go s.Run(ctx)
//	go s.Consume(ctx, feed)
//
//	exp, ok := s.Get("checkout-button")
package store
