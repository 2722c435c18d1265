// Package httpapi is the process's HTTP surface: a static test page at "/"
// and the WebSocket upgrade at "/ws" that hands each accepted connection
// off to a new internal/session.Session. The mux/handler shape follows
// wiigg-enviro-station's internal/server package (a small struct holding
// its dependencies, a Handler() building one http.ServeMux).
package httpapi

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Microtome/websocket-serial-server/internal/registry"
	"github.com/Microtome/websocket-serial-server/internal/session"
)

//go:embed testpage.html
var testPageFS embed.FS

var testPageTemplate = template.Must(template.ParseFS(testPageFS, "testpage.html"))

// Subprotocol is the WebSocket subprotocol name clients must negotiate to
// use this server's wire protocol.
const Subprotocol = "websocket-serial-json"

// API wires the registry a Session needs into the two routes the original
// program exposed: the HTML test page and the WebSocket upgrade.
type API struct {
	reg     *registry.Registry
	log     *zap.Logger
	address string
	port    int

	upgrader websocket.Upgrader
}

// New builds an API. address and port are only used to render the test
// page's display banner; the page itself connects back to whatever host
// the browser used to load it.
func New(reg *registry.Registry, log *zap.Logger, address string, port int) *API {
	return &API{
		reg:     reg,
		log:     log,
		address: address,
		port:    port,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the server's top-level http.Handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleIndex)
	mux.HandleFunc("/index.html", a.handleIndex)
	mux.HandleFunc("/ws", a.handleWebSocket)
	return mux
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Address string
		Port    int
	}{a.address, a.port}
	if err := testPageTemplate.Execute(w, data); err != nil {
		a.log.Error("failed to render test page", zap.Error(err))
	}
}

func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s := session.New(conn, a.reg, a.log)
	go s.Run()
}
