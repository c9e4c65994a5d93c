package room

import (
	"context"
	"sync"
	"time"

	"github.com/ktvcast/ktvcast/conf"
	"github.com/ktvcast/ktvcast/log"
)

// PollingSource produces snapshots by fetching the playlist endpoint on a
// fixed interval. It is the fallback when the room socket is unavailable,
// and the only transport in POLLING mode.
type PollingSource struct {
	client *Client
	queue  *queue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPollingSource(client *Client) *PollingSource {
	s := &PollingSource{
		client: client,
		queue:  newQueue(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return s
}

func (s *PollingSource) Events() <-chan Event {
	return s.queue.out
}

func (s *PollingSource) Close() {
	s.cancel()
	s.wg.Wait()
	s.queue.close()
}

func (s *PollingSource) run(ctx context.Context) {
	interval := conf.Server.PollInterval
	if interval == 0 {
		interval = 3 * time.Second
	}

	s.poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *PollingSource) poll(ctx context.Context) {
	playlist, err := s.client.GetPlaylist(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug(ctx, "Playlist poll failed", err)
			s.queue.push(Event{Type: EventLost})
		}
		return
	}
	s.queue.push(Event{Type: EventSnapshot, Playlist: playlist})
}
