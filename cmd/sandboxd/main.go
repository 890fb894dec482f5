// sandboxd runs inside a sandbox container and exposes the container's
// filesystem and shell to the orchestrator. Files are read and written
// whole over HTTP; commands run under a pty so build tools behave as in
// a terminal, with interleaved output streamed over a websocket.
//
// Endpoints:
//
//	GET  /healthz          — liveness probe
//	GET  /files?path=      — full file content (404 when missing)
//	PUT  /files?path=      — replace full file content, mkdir -p parents
//	GET  /exec?cmd=        — websocket; streams {"type":"output","data":...}
//	                         frames, then one {"type":"exit","code":N}
//
// Environment variables:
//
//	SANDBOXD_LISTEN   — listen address (default "0.0.0.0:8088")
//	SANDBOXD_WORKDIR  — command working directory (default "/home/user")
//	SANDBOXD_TIMEOUT  — command timeout in seconds (default 300)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
)

var (
	workdir    = envOr("SANDBOXD_WORKDIR", "/home/user")
	cmdTimeout = 300 * time.Second

	upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Only the orchestrator reaches this port; no origin policy.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// execFrame is one message of the /exec stream.
type execFrame struct {
	Type string `json:"type"` // "output" | "exit"
	Data string `json:"data,omitempty"`
	Code int    `json:"code,omitempty"`
}

func main() {
	listen := envOr("SANDBOXD_LISTEN", "0.0.0.0:8088")
	if v := os.Getenv("SANDBOXD_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cmdTimeout = time.Duration(secs) * time.Second
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/files", handleFiles)
	mux.HandleFunc("/exec", handleExec)

	log.Printf("sandboxd listening on %s (workdir %s)", listen, workdir)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Fatalf("sandboxd: %v", err)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

func handleFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}

	switch r.Method {
	case http.MethodGet:
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "file not found: "+path, http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)

	case http.MethodPut:
		content, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleExec runs one command under a pty and streams its output. A
// dropped websocket does not kill the process; it runs to completion.
func handleExec(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("cmd")
	if command == "" {
		http.Error(w, "missing cmd", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("exec upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		writeFrame(conn, execFrame{Type: "exit", Code: 1, Data: "pty start: " + err.Error()})
		return
	}
	defer ptmx.Close()

	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			// Write failures mean the client went away; keep
			// draining so the command can finish.
			writeFrame(conn, execFrame{Type: "output", Data: string(buf[:n])})
		}
		if readErr != nil {
			break // EOF when the command exits
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
		if ctx.Err() != nil {
			writeFrame(conn, execFrame{Type: "output", Data: fmt.Sprintf("\ncommand timed out after %v\n", cmdTimeout)})
			exitCode = 124
		}
	}
	writeFrame(conn, execFrame{Type: "exit", Code: exitCode})
}

func writeFrame(conn *websocket.Conn, frame execFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
