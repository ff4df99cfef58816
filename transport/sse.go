package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sseBuffer    = 64
	sseKeepalive = 15 * time.Second
)

var ErrViewerBehind = errors.New("viewer send buffer full")

type sseFrame struct {
	event string
	data  []byte
}

// sseSink queues frames for the stream writer goroutine.
type sseSink struct {
	out    chan sseFrame
	once   sync.Once
	closed chan struct{}
}

func newSSESink() *sseSink {
	return &sseSink{out: make(chan sseFrame, sseBuffer), closed: make(chan struct{})}
}

func (s *sseSink) WriteMessage(event string, data []byte) error {
	frame := sseFrame{event: event, data: append([]byte(nil), data...)}
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return ErrViewerBehind
	}
}

func (s *sseSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// StreamSSE serves the event stream. The viewer id comes from the
// viewer query parameter and is generated when absent.
func (h *Hub) StreamSSE(c *fiber.Ctx) error {
	viewerID := c.Query("viewer")
	if viewerID == "" {
		viewerID = "sse-" + uuid.NewString()
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	sink := newSSESink()
	if err := h.Join(viewerID, sink); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	done := c.Context().Done()
	log := h.log.With(zap.String("viewer_id", viewerID))

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.Leave(viewerID, sink)
		defer sink.Close()

		ticker := h.clock.NewTicker(sseKeepalive)
		defer ticker.Stop()

		fmt.Fprintf(w, "retry: 2000\nevent: hello\ndata: {\"viewer_id\":%q}\n\n", viewerID)
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case f := <-sink.out:
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
				// drain whatever queued up behind it before flushing
				for n := len(sink.out); n > 0; n-- {
					f = <-sink.out
					fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data)
				}
				if err := w.Flush(); err != nil {
					log.Debug("sse client gone", zap.Error(err))
					return
				}
			case <-ticker.Chan():
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-sink.closed:
				return
			case <-done:
				return
			}
		}
	})
	return nil
}
