// Package server is the operator web page of the recorder: a save button,
// live save status over a websocket and downloads of finished recordings.
// It is a trigger source like the keyboard: a click fires the dispatcher.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"strzcam.com/blackbox/errors"
	"strzcam.com/blackbox/logging"
	"strzcam.com/blackbox/save"
	"strzcam.com/blackbox/session"
	"strzcam.com/blackbox/store"
	"strzcam.com/blackbox/trigger"
)

// Saves is the save coordinator as seen by the page.
type Saves interface {
	Last() (save.Status, bool)
	OnStatus(fn func(save.Status))
}

// Sessions exposes the running cycle.
type Sessions interface {
	Active() (*session.Cycle, bool)
}

// Message is the websocket envelope in both directions.
type Message struct {
	Type   string       `json:"type"`
	Queued *bool        `json:"queued,omitempty"`
	Status *save.Status `json:"status,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Message types
const (
	MsgSave   = "save"   // client asks for a save
	MsgFired  = "fired"  // reply to save
	MsgStatus = "status" // save progress, pushed to every client
	MsgError  = "error"
)

type connInfo struct {
	conn     *websocket.Conn
	writeMux sync.Mutex
}

func (c *connInfo) send(m Message) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(m)
}

// SessionInfo is the /status view of the running cycle.
type SessionInfo struct {
	ID      string            `json:"id"`
	Started time.Time         `json:"started"`
	Window  string            `json:"window"`
	Stopped bool              `json:"stopped"`
	States  map[string]string `json:"states"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Session  *SessionInfo `json:"session,omitempty"`
	LastSave *save.Status `json:"last_save,omitempty"`
}

// Server serves the operator page.
type Server struct {
	addr     string
	store    *store.Store
	saves    Saves
	sessions Sessions
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clientsMux sync.RWMutex
	clients    map[*connInfo]struct{}
}

// New creates a server listening on addr once run. Save progress reported
// by saves is pushed to every connected page.
func New(addr string, st *store.Store, saves Saves, sessions Sessions, logger *logging.Logger) *Server {
	s := &Server{
		addr:     addr,
		store:    st,
		saves:    saves,
		sessions: sessions,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
		clients: make(map[*connInfo]struct{}),
	}
	saves.OnStatus(s.broadcast)
	return s
}

// Name implements trigger.Source.
func (s *Server) Name() string { return "server" }

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, f trigger.Firer) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(f),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("operator page listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the routes. Saves requested through it fire f.
func (s *Server) Handler(f trigger.Firer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) { s.serveWS(w, r, f) })
	mux.HandleFunc("POST /trigger", func(w http.ResponseWriter, r *http.Request) { s.trigger(w, r, f) })
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /recordings", s.listRecordings)
	mux.HandleFunc("GET /recordings/{name}", s.getRecording)
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		if !sameOrigin(r) {
			http.Error(w, "cross-origin request", http.StatusForbidden)
			return
		}
		s.setCORSHeaders(w, r)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// sameOrigin accepts requests without an Origin header and requests from
// pages served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !sameOrigin(r) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Add("Vary", "Origin")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	s.setCORSHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err.Error())
	}
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, f trigger.Firer) {
	if !sameOrigin(r) {
		s.logger.Warn("rejected cross-origin save", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "cross-origin request", http.StatusForbidden)
		return
	}
	queued := f.Fire("http: " + r.RemoteAddr)
	s.writeJSON(w, r, http.StatusAccepted, Message{Type: MsgFired, Queued: &queued})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if c, ok := s.sessions.Active(); ok {
		resp.Session = &SessionInfo{
			ID:      c.ID(),
			Started: c.Started().UTC(),
			Window:  c.Window().String(),
			Stopped: c.Stopped(),
			States:  c.States(),
		}
	}
	if last, ok := s.saves.Last(); ok {
		resp.LastSave = &last
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := s.store.List()
	if err != nil {
		s.logger.Error("failed to list recordings", "error", err.Error())
		s.writeJSON(w, r, http.StatusInternalServerError, Message{Type: MsgError, Error: "failed to list recordings"})
		return
	}
	start, end, err := dateRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, Message{Type: MsgError, Error: err.Error()})
		return
	}
	filtered := []store.Recording{}
	for _, rec := range recordings {
		if !rec.Created.Before(start) && (end.IsZero() || rec.Created.Before(end)) {
			filtered = append(filtered, rec)
		}
	}
	s.writeJSON(w, r, http.StatusOK, filtered)
}

// dateRange parses optional YYYY-MM-DD bounds. A zero end is open; a set
// end includes the whole day.
func dateRange(startParam, endParam string) (time.Time, time.Time, error) {
	var start, end time.Time
	if startParam != "" {
		t, err := time.Parse(time.DateOnly, startParam)
		if err != nil {
			return start, end, fmt.Errorf("invalid start date %q", startParam)
		}
		start = t
	}
	if endParam != "" {
		t, err := time.Parse(time.DateOnly, endParam)
		if err != nil {
			return start, end, fmt.Errorf("invalid end date %q", endParam)
		}
		end = t.AddDate(0, 0, 1)
	}
	return start, end, nil
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w, r)
	name := r.PathValue("name")
	if err := store.ValidateFilename(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, err := s.store.Open(name)
	if err != nil {
		http.Error(w, "recording not found", http.StatusNotFound)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		http.Error(w, "recording not readable", http.StatusInternalServerError)
		return
	}
	if ct := contentType(name); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".avi":
		return "video/x-msvideo"
	case ".yaml":
		return "application/yaml"
	default:
		return mime.TypeByExtension(filepath.Ext(name))
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, f trigger.Firer) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	client := &connInfo{conn: conn}
	s.clientsMux.Lock()
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.clientsMux.Unlock()
	s.logger.Debug("page connected", "remote", r.RemoteAddr, "clients", count)

	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, client)
		s.clientsMux.Unlock()
		conn.Close()
		s.logger.Debug("page disconnected", "remote", r.RemoteAddr)
	}()

	if last, ok := s.saves.Last(); ok {
		if err := client.send(Message{Type: MsgStatus, Status: &last}); err != nil {
			return
		}
	}

	conn.SetReadLimit(4096)
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err.Error())
			}
			return
		}
		var reply Message
		switch msg.Type {
		case MsgSave:
			queued := f.Fire("web: " + r.RemoteAddr)
			reply = Message{Type: MsgFired, Queued: &queued}
		default:
			reply = Message{Type: MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
		}
		if err := client.send(reply); err != nil {
			s.logger.Debug("websocket write failed", "error", err.Error())
			return
		}
	}
}

func (s *Server) broadcast(st save.Status) {
	s.clientsMux.RLock()
	clients := make([]*connInfo, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()
	for _, c := range clients {
		if err := c.send(Message{Type: MsgStatus, Status: &st}); err != nil {
			s.logger.Debug("status push failed", "error", err.Error())
		}
	}
}

func (s *Server) closeClients() {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	for c := range s.clients {
		c.writeMux.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		c.writeMux.Unlock()
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Blackbox</title>
</head>
<body>
    <h1>Blackbox</h1>
    <button id="save">Save</button>
    <p id="status">connecting...</p>
    <h2>Recordings</h2>
    <ul id="recordings"></ul>
    <script>
    const status = document.getElementById("status");
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = () => { status.textContent = "ready"; };
    ws.onclose = () => { status.textContent = "disconnected"; };
    ws.onmessage = (ev) => {
        const msg = JSON.parse(ev.data);
        if (msg.type === "fired") {
            status.textContent = msg.queued ? "saving..." : "save already pending";
        } else if (msg.type === "status") {
            const s = msg.status;
            status.textContent = s.state + (s.recording ? ": " + s.recording : "") + (s.error ? " (" + s.error + ")" : "");
            if (s.state === "saved") { loadRecordings(); }
        }
    };
    document.getElementById("save").onclick = () => ws.send(JSON.stringify({type: "save"}));
    function loadRecordings() {
        fetch("/recordings").then(r => r.json()).then(list => {
            const ul = document.getElementById("recordings");
            ul.innerHTML = "";
            for (const rec of list) {
                const li = document.createElement("li");
                const a = document.createElement("a");
                a.href = "/recordings/" + rec.name;
                a.textContent = rec.name + " (" + rec.size + " bytes)";
                li.appendChild(a);
                ul.appendChild(li);
            }
        });
    }
    loadRecordings();
    </script>
</body>
</html>`
