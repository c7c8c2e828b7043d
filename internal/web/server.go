package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"astromeas/internal/pipeline"
	"astromeas/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Subscriber is the part of the pipeline the dashboard listens to.
type Subscriber interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// WebServer serves a small dashboard and a WebSocket feed of job results.
type WebServer struct {
	addr     string
	results  Subscriber
	store    *storage.Store
	log      *slog.Logger
	upgrader websocket.Upgrader
	hub      *WebSocketHub
}

// WebSocketHub fans messages out to connected clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	count      chan chan int
	done       chan struct{}
	log        *slog.Logger
}

// QueueStats counts recent jobs by status.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// DashboardData is served by /api/stats.
type DashboardData struct {
	Queue      QueueStats          `json:"queue"`
	RecentJobs []storage.JobRecord `json:"recentJobs"`
	Clients    int                 `json:"clients"`
	Timestamp  time.Time           `json:"timestamp"`
}

// NewWebServer creates a dashboard server on addr. store may be nil.
func NewWebServer(addr string, results Subscriber, store *storage.Store, log *slog.Logger) *WebServer {
	hub := &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}

	return &WebServer{
		addr:    addr,
		results: results,
		store:   store,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		hub: hub,
	}
}

// Handler returns the dashboard routes.
func (ws *WebServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", ws.handleDashboard).Methods("GET")
	router.HandleFunc("/api/stats", ws.handleAPIStats).Methods("GET")
	router.HandleFunc("/ws", ws.handleWebSocket).Methods("GET")
	return router
}

// Run starts the hub and forwards pipeline results until ctx ends. Start
// calls it; tests call it directly with Handler.
func (ws *WebServer) Run(ctx context.Context) {
	go ws.hub.run(ctx)
	go ws.forwardResults(ctx)
}

// Start serves until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	ws.Run(ctx)

	server := &http.Server{
		Addr:              ws.addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	ws.log.Info("web dashboard starting", "addr", ws.addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(dashboardHTML))
}

func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case ws.hub.register <- conn:
	case <-ws.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case ws.hub.unregister <- conn:
			case <-ws.hub.done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (ws *WebServer) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	data, err := ws.generateDashboardData()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (ws *WebServer) generateDashboardData() (DashboardData, error) {
	data := DashboardData{Clients: ws.hub.clientCount(), Timestamp: time.Now()}
	if ws.store == nil {
		return data, nil
	}
	jobs, err := ws.store.RecentJobs(50)
	if err != nil {
		return data, err
	}
	data.RecentJobs = jobs
	for _, j := range jobs {
		switch j.Status {
		case "queued":
			data.Queue.Queued++
		case "running":
			data.Queue.Running++
		case "completed":
			data.Queue.Completed++
		case "failed":
			data.Queue.Failed++
		}
	}
	return data, nil
}

func (ws *WebServer) forwardResults(ctx context.Context) {
	results, unsubscribe := ws.results.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				ws.log.Warn("encode result", "job", res.Job.ID, "error", err)
				continue
			}
			select {
			case ws.hub.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *WebSocketHub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// clientCount asks the hub goroutine; it returns 0 if the hub is not running.
func (h *WebSocketHub) clientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-time.After(100 * time.Millisecond):
		return 0
	}
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>astromeas</title>
    <style>
        body { font-family: monospace; background: #0f172a; color: #f8fafc; margin: 2rem; }
        table { border-collapse: collapse; width: 100%; }
        td, th { border-bottom: 1px solid #334155; padding: 0.3rem 0.6rem; text-align: left; }
        .failed { color: #f87171; }
        .completed { color: #4ade80; }
    </style>
</head>
<body>
    <h1>astromeas</h1>
    <p id="queue"></p>
    <table>
        <thead><tr><th>job</th><th>type</th><th>status</th><th>sources</th><th>error</th></tr></thead>
        <tbody id="results"></tbody>
    </table>
    <script>
        fetch('/api/stats').then(r => r.json()).then(d => {
            const q = d.queue;
            document.getElementById('queue').textContent =
                'queued ' + q.queued + ' running ' + q.running + ' completed ' + q.completed + ' failed ' + q.failed;
        });
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = ev => {
            const res = JSON.parse(ev.data);
            const row = document.createElement('tr');
            const status = res.error ? 'failed' : 'completed';
            row.className = status;
            row.innerHTML = '<td>' + res.job.id + '</td><td>' + res.job.type + '</td><td>' + status +
                '</td><td>' + (res.sources ? res.sources.length : '') + '</td><td>' + (res.error || '') + '</td>';
            document.getElementById('results').prepend(row);
        };
    </script>
</body>
</html>`
