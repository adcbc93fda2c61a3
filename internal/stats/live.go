package stats

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type liveConn struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

// LiveWriter pushes every tick as a JSON message to every connected
// websocket client, for a local live dashboard -- the optional live-push
// mode for --stats-file ws://host:port (spec.md §6's CSV stats file is the
// default; this is the dependency-backed alternative).
type LiveWriter struct {
	server   *http.Server
	listener net.Listener

	mutex    sync.Mutex
	conns    map[*liveConn]bool
	counters counters
}

// NewLiveWriter starts an HTTP server on addr that upgrades any connection
// on "/" to a websocket and adds it to the broadcast set.
func NewLiveWriter(addr string) (*LiveWriter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	lw := &LiveWriter{conns: make(map[*liveConn]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", lw.handleUpgrade)
	lw.server = &http.Server{Handler: mux}
	lw.listener = ln

	go lw.server.Serve(ln) //nolint:errcheck // shutdown error is expected on Close

	return lw, nil
}

// Addr returns the address the server is actually listening on, useful
// when NewLiveWriter was given port 0.
func (lw *LiveWriter) Addr() string {
	return lw.listener.Addr().String()
}

func (lw *LiveWriter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	lc := &liveConn{conn: conn}

	lw.mutex.Lock()
	lw.conns[lc] = true
	lw.mutex.Unlock()

	// Drain and discard any client messages until the connection closes,
	// so we notice disconnects and drop the conn from the broadcast set.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				lw.mutex.Lock()
				delete(lw.conns, lc)
				lw.mutex.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// Write broadcasts s, with its computed deltas and rates, to every
// currently connected client. A write failure to one client drops it from
// the broadcast set rather than failing the tick for everyone else.
func (lw *LiveWriter) Write(s Snapshot) error {
	r := lw.counters.tick(s)
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	lw.mutex.Lock()
	conns := make([]*liveConn, 0, len(lw.conns))
	for c := range lw.conns {
		conns = append(conns, c)
	}
	lw.mutex.Unlock()

	for _, c := range conns {
		c.mutex.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.mutex.Unlock()
		if err != nil {
			lw.mutex.Lock()
			delete(lw.conns, c)
			lw.mutex.Unlock()
			c.conn.Close()
		}
	}
	return nil
}

// Close sends a normal-closure message to every connected client and shuts
// down the HTTP server.
func (lw *LiveWriter) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stats writer closing")

	lw.mutex.Lock()
	for c := range lw.conns {
		c.mutex.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, closeMsg) //nolint:errcheck // best-effort
		c.mutex.Unlock()
		c.conn.Close()
	}
	lw.conns = make(map[*liveConn]bool)
	lw.mutex.Unlock()

	return lw.server.Shutdown(context.Background())
}
