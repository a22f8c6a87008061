// Package monitor publishes kernel statistics over HTTP/3 so a host-side
// tool can watch a simulated boot without attaching a debugger.
package monitor

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/multios-project/multios/internal/kernel/boot"
	"github.com/multios-project/multios/internal/kernel/klog"
)

// SnapshotFunc supplies the state the monitor serves. It is called once
// per request; returning an error yields 503 until the kernel is up.
type SnapshotFunc func() (boot.Snapshot, error)

// Server is an HTTP/3 endpoint exposing kernel snapshots.
type Server struct {
	srv      *http3.Server
	pc       net.PacketConn
	addr     string
	snapshot SnapshotFunc
	shutdown func() error
}

// NewServer binds the monitor routes and wraps them in an HTTP/3 server.
// The server is not listening until Start.
func NewServer(addr string, tlsCfg *tls.Config, snapshot SnapshotFunc) *Server {
	m := &Server{addr: addr, snapshot: snapshot}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", m.handleStatus)
	mux.HandleFunc("/api/v1/threads", m.handleThreads)
	mux.HandleFunc("/healthz", m.handleHealth)
	m.srv = &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: mux}
	return m
}

// Start begins serving on a UDP socket. With a ":0" address the bound
// address is reported by the return value.
func (m *Server) Start() (string, error) {
	pc, err := net.ListenPacket("udp", m.addr)
	if err != nil {
		return "", err
	}
	m.pc = pc
	realAddr := pc.LocalAddr().String()
	done := make(chan struct{})
	go func() {
		_ = m.srv.Serve(pc)
		close(done)
	}()
	m.shutdown = func() error {
		_ = pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	klog.Infof("monitor", "serving on https://%s (h3)", realAddr)
	return realAddr, nil
}

// Stop closes the UDP socket and waits briefly for the serve loop.
func (m *Server) Stop() error {
	if m.shutdown != nil {
		return m.shutdown()
	}
	return nil
}

func (m *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := m.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (m *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	snap, err := m.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap.Threads)
}

// handleHealth reports liveness only: stage and error count, no stats.
func (m *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := m.snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{
		"stage":       snap.Stage,
		"error_count": snap.ErrorCount,
		"uptime_ns":   snap.UptimeNs,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		klog.Warnf("monitor", "response write failed: %v", err)
	}
}

// Client returns an HTTP/3 client for talking to a monitor endpoint.
func Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   timeout,
	}
}

// CloseClient shuts down the client's QUIC transport.
func CloseClient(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
