package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// execMessage is one frame of the sandboxd /exec stream.
type execMessage struct {
	Type string `json:"type"` // "output" | "exit"
	Data string `json:"data,omitempty"`
	Code int    `json:"code,omitempty"`
}

// DaemonSession talks to a sandboxd instance over HTTP and websocket.
type DaemonSession struct {
	id            string
	addr          string // host:port of sandboxd
	previewDomain string
	client        *http.Client
	dialer        *websocket.Dialer
}

// NewDaemonSession creates a session client for sandboxd at addr.
func NewDaemonSession(id, addr, previewDomain string) *DaemonSession {
	return &DaemonSession{
		id:            id,
		addr:          addr,
		previewDomain: previewDomain,
		client:        &http.Client{Timeout: 30 * time.Second},
		dialer:        &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (s *DaemonSession) ID() string { return s.id }

func (s *DaemonSession) fileURL(path string) string {
	return fmt.Sprintf("http://%s/files?path=%s", s.addr, url.QueryEscape(path))
}

// WriteFile replaces the full content of a file.
func (s *DaemonSession) WriteFile(ctx context.Context, path, content string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.fileURL(path), strings.NewReader(content))
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("write %s: %s", path, strings.TrimSpace(string(body)))
	}
	return nil
}

// ReadFile returns the full content of a file.
func (s *DaemonSession) ReadFile(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.fileURL(path), nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("read %s: %s", path, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// RunCommand streams a command's interleaved output over the /exec
// websocket until the daemon reports the exit code. If ctx is cancelled
// mid-stream the connection closes but the in-container process is left
// to finish on its own.
func (s *DaemonSession) RunCommand(ctx context.Context, command string, onOutput func(string)) (CommandResult, error) {
	wsURL := fmt.Sprintf("ws://%s/exec?cmd=%s", s.addr, url.QueryEscape(command))
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return CommandResult{}, fmt.Errorf("exec dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var out strings.Builder
	for {
		var msg execMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return CommandResult{Output: out.String()}, ctx.Err()
			}
			return CommandResult{Output: out.String()}, fmt.Errorf("exec stream: %w", err)
		}
		switch msg.Type {
		case "output":
			out.WriteString(msg.Data)
			if onOutput != nil {
				onOutput(msg.Data)
			}
		case "exit":
			return CommandResult{Output: out.String(), ExitCode: msg.Code}, nil
		}
	}
}

// PreviewURL returns the public address of a sandbox port. With a
// preview domain configured the address follows the
// https://<port>-<id>.<domain> convention; without one it falls back to
// the container address directly.
func (s *DaemonSession) PreviewURL(port int) string {
	if s.previewDomain != "" {
		return fmt.Sprintf("https://%d-%s.%s", port, s.id, s.previewDomain)
	}
	host := s.addr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// healthz probes the daemon.
func (s *DaemonSession) healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/healthz", s.addr), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz: status %d", resp.StatusCode)
	}
	return nil
}

// waitReady polls healthz until the daemon answers or the wait expires.
func (s *DaemonSession) waitReady(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if err := s.healthz(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("sandboxd did not come up within %s", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
