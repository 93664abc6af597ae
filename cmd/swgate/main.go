package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"swgate/internal/formqueue"
	"swgate/internal/swgate"
)

const usage = `usage: swgate [-config path] [command]

commands:
  serve                 run the gateway (default)
  sync                  replay pending forms once and exit
  queue list            print pending forms as JSON lines
  queue add <json>      queue a form payload
  queue remove <id>     drop a pending form
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWGATE_CONFIG", "/swgate.yaml"), "path to swgate.yaml")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	cfg, err := swgate.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(cfg)
	case "sync":
		err = syncOnce(cfg)
	case "queue":
		err = queueCmd(cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func serve(cfg swgate.Config) error {
	svc, err := swgate.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = svc.Install(installCtx, "")
	cancel()
	if err != nil {
		return fmt.Errorf("install worker: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	servers := []*http.Server{
		{Addr: addr, Handler: svc.Handler(), ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.Server.AdminListen, Handler: svc.AdminHandler(), ReadHeaderTimeout: 10 * time.Second},
	}
	if cfg.Server.AdminToken == "" {
		log.Printf("admin listener on %s has no token, keep it on a private interface", cfg.Server.AdminListen)
	}

	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		go func() {
			log.Printf("swgate listening on %s, origin=%s", srv.Addr, cfg.Server.Origin)
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("server error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func syncOnce(cfg swgate.Config) error {
	q, err := formqueue.Open(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	defer q.Close()

	client := &http.Client{Timeout: 30 * time.Second}
	r := swgate.NewReplayer(q, client, cfg.Server.Origin+cfg.Sync.Endpoint, cfg.ReplayPolicy())
	rep, err := r.Replay(context.Background())
	if err != nil {
		return err
	}
	log.Printf("sync: attempted=%d delivered=%d failed=%d", rep.Attempted, rep.Delivered, rep.Failed)
	return nil
}

func queueCmd(cfg swgate.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("queue: missing subcommand (list, add, remove)")
	}
	q, err := formqueue.Open(cfg.Storage.Dir)
	if err != nil {
		return err
	}
	defer q.Close()
	ctx := context.Background()

	switch args[0] {
	case "list":
		forms, err := q.Drain(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, f := range forms {
			if err := enc.Encode(f); err != nil {
				return err
			}
		}
		return nil
	case "add":
		if len(args) < 2 || !json.Valid([]byte(args[1])) {
			return errors.New("queue add: expects one JSON argument")
		}
		id, err := q.Enqueue(ctx, json.RawMessage(args[1]))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	case "remove":
		if len(args) < 2 {
			return errors.New("queue remove: expects an id")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("queue remove: %w", err)
		}
		return q.Remove(ctx, id)
	}
	return fmt.Errorf("queue: unknown subcommand %q", args[0])
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
