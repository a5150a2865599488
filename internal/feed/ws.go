package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakersync/pkg/speakerbus"
)

// EventState names the first frame sent to every WebSocket client.
const EventState = "state"

// sourceFeed tags frames produced by the feed itself.
const sourceFeed = "feed"

// frame is one WebSocket message.
type frame struct {
	Event  string    `json:"event"`
	Detail any       `json:"detail"`
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
}

var errSlowConsumer = errors.New("feed: client too slow")

// handleWS streams bus events to one client until either side goes away.
// A client whose queue fills up is disconnected rather than blocking the bus.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("feed: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.clients.Add(1)
	s.cfg.Metrics.FeedClients.Add(ctx, 1)
	defer func() {
		s.clients.Add(-1)
		s.cfg.Metrics.FeedClients.Add(context.Background(), -1)
	}()

	queue := make(chan frame, s.cfg.ClientBuffer)
	queue <- frame{Event: EventState, Detail: s.state(), Source: sourceFeed, TS: time.Now().UTC()}

	if s.cfg.Bus != nil {
		unsubscribe := s.cfg.Bus.On(speakerbus.AllEvents, func(ev speakerbus.Event) {
			select {
			case queue <- frame{Event: ev.Name, Detail: ev.Detail, Source: ev.Source, TS: ev.At}:
			default:
				cancel(errSlowConsumer)
			}
		})
		defer unsubscribe()
	}

	log := s.cfg.Logger.With("remote_addr", r.RemoteAddr)
	log.Debug("feed client connected")

	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), errSlowConsumer) {
				log.Warn("feed client dropped", "err", errSlowConsumer)
				conn.Close(websocket.StatusPolicyViolation, "client too slow")
				return
			}
			log.Debug("feed client disconnected")
			conn.Close(websocket.StatusGoingAway, "")
			return
		case f := <-queue:
			if err := s.write(ctx, conn, f); err != nil {
				log.Debug("feed: write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
