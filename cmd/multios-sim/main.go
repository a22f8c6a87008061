// multios-sim boots the kernel against a JSON boot handoff and reports
// the resulting kernel state.
//
// Flags:
//
//	-handoff  path to the handoff JSON (required).
//	-monitor  address for the HTTP/3 status endpoint; empty disables it.
//	-cert     TLS certificate for the monitor (self-signed if omitted).
//	-key      TLS key for the monitor.
//	-watch    re-boot whenever the handoff file changes.
//	-quiet    suppress the kernel console, print only the final snapshot.
package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/multios-project/multios/internal/kernel/boot"
	"github.com/multios-project/multios/internal/kernel/handoff"
	"github.com/multios-project/multios/internal/kernel/klog"
	"github.com/multios-project/multios/internal/monitor"
)

func main() {
	var (
		handoffPath string
		monitorAddr string
		certFile    string
		keyFile     string
		watch       bool
		quiet       bool
	)
	flag.StringVar(&handoffPath, "handoff", "", "boot handoff JSON file")
	flag.StringVar(&monitorAddr, "monitor", "", "HTTP/3 monitor address, e.g. 127.0.0.1:8443")
	flag.StringVar(&certFile, "cert", "", "monitor TLS certificate file")
	flag.StringVar(&keyFile, "key", "", "monitor TLS key file")
	flag.BoolVar(&watch, "watch", false, "re-boot when the handoff file changes")
	flag.BoolVar(&quiet, "quiet", false, "suppress kernel console output")
	flag.Parse()

	if handoffPath == "" {
		fmt.Fprintln(os.Stderr, "multios-sim: -handoff is required")
		flag.Usage()
		os.Exit(2)
	}

	var console io.Writer = os.Stderr
	if quiet {
		console = io.Discard
	}
	klog.Init(console, klog.LevelInfo)

	if err := bootOnce(handoffPath); err != nil {
		fmt.Fprintln(os.Stderr, "multios-sim:", err)
		os.Exit(1)
	}

	if monitorAddr != "" {
		stop, err := startMonitor(monitorAddr, certFile, keyFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "multios-sim:", err)
			os.Exit(1)
		}
		defer stop()
	}

	if watch {
		if err := watchHandoff(handoffPath); err != nil {
			fmt.Fprintln(os.Stderr, "multios-sim:", err)
			os.Exit(1)
		}
		return
	}
	if monitorAddr != "" {
		waitForInterrupt()
	}
}

// bootOnce shuts down any previous kernel instance, boots from the
// handoff file and prints the snapshot to stdout.
func bootOnce(path string) error {
	raw, err := loadHandoff(path)
	if err != nil {
		return err
	}
	boot.Shutdown()
	ks, err := boot.InitializeKernel(raw, boot.Version)
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ks.Snapshot())
}

func loadHandoff(path string) (*handoff.RawHandoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw handoff.RawHandoff
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("handoff %s: %w", path, err)
	}
	return &raw, nil
}

func startMonitor(addr, certFile, keyFile string) (func(), error) {
	tlsCfg, err := monitorTLS(addr, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	srv := monitor.NewServer(addr, tlsCfg, func() (boot.Snapshot, error) {
		ks, err := boot.State()
		if err != nil {
			return boot.Snapshot{}, err
		}
		return ks.Snapshot(), nil
	})
	if _, err := srv.Start(); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	return func() { _ = srv.Stop() }, nil
}

func monitorTLS(addr, certFile, keyFile string) (*tls.Config, error) {
	if certFile != "" {
		return monitor.LoadTLS(certFile, keyFile)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		host = "localhost"
	}
	return monitor.SelfSignedTLS([]string{host, "localhost"}, 0)
}

// watchHandoff re-boots the kernel each time the handoff file is
// rewritten. Editors replace files rather than write in place, so the
// watch is on the parent directory.
func watchHandoff(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	klog.Infof("sim", "watching %s", abs)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	// Debounce: editors emit create+write bursts for one save.
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(200 * time.Millisecond)
			}
		case <-pending:
			pending = nil
			klog.Infof("sim", "handoff changed, rebooting")
			if err := bootOnce(path); err != nil {
				fmt.Fprintln(os.Stderr, "multios-sim: reboot:", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			klog.Warnf("sim", "watch error: %v", err)
		case <-interrupted:
			return nil
		}
	}
}

func waitForInterrupt() {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted
}
