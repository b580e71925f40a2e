package redis

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DomainChannel carries identifier domain change notifications between instances.
const DomainChannel = "fern:identifier-domains"

// Invalidator reloads a cache.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// DomainSync keeps the unique identifier domain cache of every instance current: Notify
// invalidates the local cache and tells the other instances to do the same.
type DomainSync struct {
	client   *Client
	cache    Invalidator
	instance string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDomainSync(client *Client, cache Invalidator) *DomainSync {
	return &DomainSync{
		client:   client,
		cache:    cache,
		instance: uuid.New().String(),
	}
}

// Start subscribes to DomainChannel. The subscription is confirmed before Start returns.
func (s *DomainSync) Start(ctx context.Context) error {
	sub := s.client.rdb.Subscribe(ctx, DomainChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == s.instance {
					continue
				}
				if err := s.cache.Invalidate(ctx); err != nil {
					s.client.logger.WithContext(ctx).WithError(err).Error("Failed to reload identifier domains after remote change")
				}
			}
		}
	}()

	s.client.logger.WithContext(ctx).WithField("channel", DomainChannel).Info("Subscribed to identifier domain changes")
	return nil
}

func (s *DomainSync) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Notify reloads the local cache and broadcasts the change.
func (s *DomainSync) Notify(ctx context.Context) error {
	if err := s.cache.Invalidate(ctx); err != nil {
		return err
	}
	return s.client.rdb.Publish(ctx, DomainChannel, s.instance).Err()
}
