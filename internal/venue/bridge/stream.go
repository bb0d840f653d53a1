package bridge

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pairtrade-core/internal/venue"
)

// tickStream keeps a freshness-bounded cache of quotes pushed by the bridge
// over its WebSocket stream. A stale entry is treated as absent so callers
// fall back to REST.
type tickStream struct {
	url    string
	maxAge time.Duration

	mu    sync.RWMutex
	ticks map[string]cachedTick
	conn  *websocket.Conn

	stopChan chan struct{}
	stopOnce sync.Once
	redialCh chan struct{}
}

type cachedTick struct {
	tick venue.Tick
	at   time.Time
}

func newTickStream(url string, maxAge time.Duration) *tickStream {
	return &tickStream{
		url:      url,
		maxAge:   maxAge,
		ticks:    make(map[string]cachedTick),
		stopChan: make(chan struct{}),
		redialCh: make(chan struct{}, 1),
	}
}

func (s *tickStream) start() {
	if s.url == "" {
		log.Println("tick stream: no stream URL; running REST-only")
		return
	}
	go s.run()
}

func (s *tickStream) stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// redial asks the reader loop to drop the current connection and dial again.
func (s *tickStream) redial() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	select {
	case s.redialCh <- struct{}{}:
	default:
	}
}

// cached returns the stream quote for symbol when it is fresh enough.
func (s *tickStream) cached(symbol string) (venue.Tick, bool) {
	s.mu.RLock()
	entry, ok := s.ticks[symbol]
	s.mu.RUnlock()
	if !ok || time.Since(entry.at) > s.maxAge {
		return venue.Tick{}, false
	}
	return entry.tick, true
}

func (s *tickStream) run() {
	backoff := time.Second
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			log.Printf("tick stream: dial error: %v", err)
			select {
			case <-s.stopChan:
				return
			case <-s.redialCh:
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		log.Printf("tick stream connected: %s", s.url)

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *tickStream) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("tick stream: read error: %v", err)
			return
		}
		s.handleMessage(msg)
	}
}

func (s *tickStream) handleMessage(msg []byte) {
	var frame struct {
		Type   string  `json:"type"`
		Symbol string  `json:"symbol"`
		Ask    float64 `json:"ask"`
		Bid    float64 `json:"bid"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		log.Printf("tick stream: parse error: %v", err)
		return
	}
	if frame.Type != "tick" || frame.Symbol == "" {
		return
	}
	if frame.Ask <= 0 || frame.Bid <= 0 {
		return
	}

	s.mu.Lock()
	s.ticks[frame.Symbol] = cachedTick{
		tick: venue.Tick{Ask: frame.Ask, Bid: frame.Bid},
		at:   time.Now(),
	}
	s.mu.Unlock()
}
