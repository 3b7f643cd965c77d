// Package notify рассылает события всем клиентам, подключённым по WebSocket.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
	broadcastQueue = 64
)

// Observer: одно WebSocket-подключение и его очередь исходящих сообщений.
type Observer struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub владеет множеством наблюдателей. Множество меняется только в горутине Run,
// поэтому рассылка не конкурирует с блокировками таблицы резерваций.
type Hub struct {
	observers  map[*Observer]struct{}
	register   chan *Observer
	unregister chan *Observer
	broadcast  chan []byte
	done       chan struct{}
	count      atomic.Int64

	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewHub создаёт хаб. Run нужно запустить отдельно.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		observers:  make(map[*Observer]struct{}),
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		broadcast:  make(chan []byte, broadcastQueue),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Клиент только слушает события, своих данных не отправляет.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run обслуживает подключения и рассылку, пока не отменён ctx.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for o := range h.observers {
				h.drop(o)
			}
			h.logger.Info("Рассылка уведомлений остановлена")
			return

		case o := <-h.register:
			h.observers[o] = struct{}{}
			h.count.Add(1)
			h.logger.Debug("👤 Наблюдатель подключился", "observer", o.id, "total", len(h.observers))

		case o := <-h.unregister:
			if _, ok := h.observers[o]; ok {
				h.drop(o)
				h.logger.Debug("🚪 Наблюдатель отключился", "observer", o.id, "total", len(h.observers))
			}

		case message := <-h.broadcast:
			for o := range h.observers {
				select {
				case o.send <- message:
				default:
					// Очередь переполнена: клиент не успевает, отключаем его.
					h.drop(o)
					h.logger.Warn("⚠️ Наблюдатель не успевает, отключён", "observer", o.id)
				}
			}
		}
	}
}

func (h *Hub) drop(o *Observer) {
	delete(h.observers, o)
	close(o.send)
	h.count.Add(-1)
}

// Broadcast кодирует event в JSON и ставит его в очередь рассылки.
// Ошибок не возвращает: после остановки хаба события просто теряются.
func (h *Hub) Broadcast(event any) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("❌ Не удалось закодировать событие", "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// Len: число подключённых наблюдателей.
func (h *Hub) Len() int {
	return int(h.count.Load())
}

// ServeHTTP переводит запрос на WebSocket и подписывает клиента на события.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("❌ Ошибка апгрейда", "error", err)
		return
	}

	o := &Observer{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- o:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go o.writePump()
	go o.readPump()
}

// readPump только следит за соединением: входящие сообщения игнорируются,
// ошибка чтения означает, что клиент ушёл.
func (o *Observer) readPump() {
	defer func() {
		select {
		case o.hub.unregister <- o:
		case <-o.hub.done:
		}
		_ = o.conn.Close()
	}()

	o.conn.SetReadLimit(maxMessageSize)
	_ = o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.hub.logger.Debug("Соединение закрыто неожиданно", "observer", o.id, "error", err)
			}
			return
		}
	}
}

func (o *Observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = o.conn.Close()
	}()

	for {
		select {
		case message, ok := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
