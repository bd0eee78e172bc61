package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sandboxsweep.io/internal/reconcile"
)

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
	TypeReport     = "PASS_REPORT"
)

// Filter narrows which reports a subscriber receives. The zero value receives everything.
type Filter struct {
	SkipDryRuns bool `json:"skip_dry_runs"`
	OnlyChanges bool `json:"only_changes"`
}

func (f Filter) match(r reconcile.Report) bool {
	if f.SkipDryRuns && r.Config.DryRun {
		return false
	}
	if f.OnlyChanges && len(r.Removals) == 0 && len(r.Purged) == 0 {
		return false
	}
	return true
}

type SubscribeMsg struct {
	Type string `json:"type"`
	Filter
}

type SubscribedMsg struct {
	Type         string `json:"type"`
	SubscriberID string `json:"subscriber_id"`
	Filter       Filter `json:"filter"`
}

type ReportMsg struct {
	Type   string           `json:"type"`
	Report reconcile.Report `json:"report"`
}

type subscriber struct {
	out    chan []byte
	filter atomic.Pointer[Filter]
}

// Hub fans pass reports out to websocket subscribers. Slow subscribers lose messages rather
// than holding up the sweeper.
type Hub struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber
	last *reconcile.Report
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:  logger,
		subs: map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// Publish records r as the latest report and sends it to every matching subscriber.
func (h *Hub) Publish(r reconcile.Report) {
	b, err := json.Marshal(ReportMsg{Type: TypeReport, Report: r})
	if err != nil {
		h.printf("observer marshal report %s: %v", r.PassID, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &r
	for _, sub := range h.subs {
		if !sub.filter.Load().match(r) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

// Last returns the most recently published report.
func (h *Hub) Last() (reconcile.Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return reconcile.Report{}, false
	}
	return *h.last, true
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) join(id string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = sub
	if h.last != nil && sub.filter.Load().match(*h.last) {
		if b, err := json.Marshal(ReportMsg{Type: TypeReport, Report: *h.last}); err == nil {
			sub.out <- b
		}
	}
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *Hub) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid := fmt.Sprintf("S%d", h.nextID.Add(1))
		sub := &subscriber{out: make(chan []byte, 64)}
		sub.filter.Store(&Filter{})

		// The SUBSCRIBED ack is queued before join so it always precedes the replayed report.
		sub.out <- subscribedMsg(sid, Filter{})
		h.join(sid, sub)
		defer h.leave(sid)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: SUBSCRIBE replaces the filter.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var m SubscribeMsg
			if err := json.Unmarshal(msg, &m); err != nil || m.Type != TypeSubscribe {
				continue
			}
			f := m.Filter
			sub.filter.Store(&f)
			select {
			case sub.out <- subscribedMsg(sid, f):
			default:
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func subscribedMsg(id string, f Filter) []byte {
	b, _ := json.Marshal(SubscribedMsg{Type: TypeSubscribed, SubscriberID: id, Filter: f})
	return b
}

func (h *Hub) printf(format string, args ...any) {
	if h.log != nil {
		h.log.Printf(format, args...)
	}
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
