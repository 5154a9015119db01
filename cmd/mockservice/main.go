package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// mockservice imitates the remote service the supervisor tracks: a health
// endpoint and a push channel, with admin toggles to simulate failures.

var (
	healthy  atomic.Bool
	upgrader = websocket.Upgrader{}

	connsMu sync.Mutex
	conns   []*websocket.Conn
)

func main() {
	// Get port from command line or use default
	port := "8000"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}
	healthy.Store(true)

	// Health check endpoint
	http.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","version":"1.0.0","timestamp":"%s"}`,
			time.Now().UTC().Format(time.RFC3339))
	})

	// Push channel endpoint
	http.HandleFunc("/ws/progress", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		log.Printf("push client connected: %s", r.RemoteAddr)

		connsMu.Lock()
		conns = append(conns, conn)
		connsMu.Unlock()

		go emitProgress(conn)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Printf("push client gone: %s", r.RemoteAddr)
				removeConn(conn)
				return
			}
			if string(data) == "ping" {
				// connsMu serializes writes with emitProgress
				connsMu.Lock()
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				connsMu.Unlock()
			}
		}
	})

	// Admin toggles for failure simulation
	http.HandleFunc("/admin/fail", func(w http.ResponseWriter, r *http.Request) {
		healthy.Store(false)
		fmt.Fprint(w, `{"healthy":false}`)
	})
	http.HandleFunc("/admin/recover", func(w http.ResponseWriter, r *http.Request) {
		healthy.Store(true)
		fmt.Fprint(w, `{"healthy":true}`)
	})
	http.HandleFunc("/admin/drop", func(w http.ResponseWriter, r *http.Request) {
		n := dropConns()
		fmt.Fprintf(w, `{"dropped":%d}`, n)
	})

	addr := fmt.Sprintf(":%s", port)
	log.Printf("Mock service listening on port %s", port)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// emitProgress streams fake job events until the connection dies
func emitProgress(conn *websocket.Conn) {
	jobID := uuid.NewString()
	step := 0

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		step++
		frame := fmt.Sprintf(
			`{"type":"progress","job_id":"%s","timestamp":"%s","payload":{"step":%d}}`,
			jobID, time.Now().UTC().Format(time.RFC3339), step)

		connsMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, []byte(frame))
		connsMu.Unlock()
		if err != nil {
			return
		}
	}
}

// dropConns severs every push connection, simulating a backend restart
func dropConns() int {
	connsMu.Lock()
	defer connsMu.Unlock()
	n := len(conns)
	for _, c := range conns {
		c.Close()
	}
	conns = nil
	return n
}

// removeConn forgets a dead connection
func removeConn(conn *websocket.Conn) {
	connsMu.Lock()
	defer connsMu.Unlock()
	for i, c := range conns {
		if c == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	conn.Close()
}
