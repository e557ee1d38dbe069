package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber keeps a websocket open to the server and turns every frame
// into a sync trigger. The payload does not matter; the frame only says
// "something changed, come and pull".
type Subscriber struct {
	url     string
	token   string
	runner  *Runner
	log     *slog.Logger
	backoff time.Duration
}

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

func NewSubscriber(url, token string, runner *Runner, log *slog.Logger) *Subscriber {
	return &Subscriber{
		url:     url,
		token:   token,
		runner:  runner,
		log:     log,
		backoff: minBackoff,
	}
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("subscription dropped", "error", err, "retry_in", s.backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
		s.backoff = min(s.backoff*2, maxBackoff)
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)
	if s.token != "" {
		header["Authorization"] = []string{"Bearer " + s.token}
	}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.log.Info("subscribed to change notifications", "url", s.url)
	s.backoff = minBackoff

	// Pull right away: changes may have landed while disconnected.
	s.runner.Trigger()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		s.runner.Trigger()
	}
}
