// virtkit-vhost serves the vhost-user backends of a machine description:
// each configured backend gets a unix socket a VMM frontend can connect to,
// with the device emulation running here.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/virtkit/virtkit/internal/config"
	"github.com/virtkit/virtkit/internal/vhostuser"
)

func main() {
	configPath := flag.String("config", "machine.yaml", "machine description file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	echo := flag.Bool("echo", false, "loop guest transmit frames back to the guest")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q\n", *logLevel)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load machine description", "err", err)
		os.Exit(1)
	}
	if len(cfg.Vhost) == 0 {
		slog.Error("machine description has no vhost backends", "config", *configPath)
		os.Exit(1)
	}

	if err := run(cfg, *echo); err != nil {
		slog.Error("backend failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, echo bool) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Vhost))

	for _, backend := range cfg.Vhost {
		mac, err := backend.HardwareAddr()
		if err != nil {
			return err
		}

		var nic *vhostuser.Net
		var sink vhostuser.FrameSink
		if echo {
			sink = vhostuser.FrameSinkFunc(func(frame []byte) error {
				nic.Deliver(frame)
				return nil
			})
		}
		nic = vhostuser.NewNet(mac, sink)
		dev := vhostuser.NewDevice(nic)

		slog.Info("serving vhost-user backend", "socket", backend.Socket, "kind", backend.Kind, "mac", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]))
		wg.Add(1)
		go func(socket string) {
			defer wg.Done()
			if err := dev.Serve(socket); err != nil {
				errs <- fmt.Errorf("backend %s: %w", socket, err)
			}
		}(backend.Socket)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-stop:
		slog.Info("shutting down")
		return nil
	case err := <-errs:
		return err
	case <-done:
		return nil
	}
}
