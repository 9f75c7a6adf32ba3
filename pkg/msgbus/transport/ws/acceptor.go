package ws

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

// Acceptor listens for websocket upgrades on one HTTP path and hands each
// resulting socket to the router as a new Connection.
type Acceptor struct {
	log    zerolog.Logger
	server *http.Server
	ln     net.Listener

	upgrader websocket.Upgrader
	accepted chan *Connection

	maxDataSize int
}

// NewAcceptor builds an Acceptor that upgrades connections on path and
// serves on listenAddr (e.g. ":8700"). Call Serve to start listening.
func NewAcceptor(listenAddr, path string, maxDataSize int, log zerolog.Logger) *Acceptor {
	a := &Acceptor{
		log:         log.With().Str("component", "ws_acceptor").Logger(),
		accepted:    make(chan *Connection, 64),
		maxDataSize: maxDataSize,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	r := mux.NewRouter()
	r.HandleFunc(path, a.handleUpgrade)
	a.server = &http.Server{Addr: listenAddr, Handler: r}
	return a
}

func (a *Acceptor) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	sock, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.accepted <- Wrap(sock, a.maxDataSize, a.log)
}

// Serve starts the HTTP listener in the background. It returns once the
// listener is bound; serving errors after that point are logged, not
// returned (matching the cooperative, never-block Acceptor contract).
func (a *Acceptor) Serve() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	a.ln = ln
	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("websocket acceptor stopped")
		}
	}()
	return nil
}

// Update implements msgbus.Acceptor; serving happens on net/http's own
// goroutines, so there is nothing further to drive here.
func (a *Acceptor) Update() bool { return false }

// ProcessAccepted implements msgbus.Acceptor.
func (a *Acceptor) ProcessAccepted(handler msgbus.AcceptedHandler) bool {
	workDone := false
	for {
		select {
		case conn := <-a.accepted:
			handler(conn)
			workDone = true
		default:
			return workDone
		}
	}
}

// Close shuts down the HTTP listener.
func (a *Acceptor) Close() error {
	return a.server.Shutdown(context.Background())
}

var _ msgbus.Acceptor = (*Acceptor)(nil)
