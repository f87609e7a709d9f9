// Package main provides a CLI for inspecting and driving an offline sync
// store: list the queue, replay it, read through the cache and run the
// sync core as a long-lived process with a debug API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/app"
	"github.com/trackingdudes/offsync/internal/config"
	"github.com/trackingdudes/offsync/internal/debugapi"
	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/offline"
	"github.com/trackingdudes/offsync/pkg/syncer"
)

func main() {
	configPath := flag.String("config", "", "Config file (YAML)")
	serverURL := flag.String("server", "", "Server URL (overrides config)")
	backend := flag.String("storage", "", "Storage backend: memory, file, redis, postgres, s3")
	dir := flag.String("dir", "", "Storage directory for the file backend")
	forceOffline := flag.Bool("offline", false, "Treat the server as unreachable")
	debugAddr := flag.String("debug-addr", "", "Debug API address for serve (overrides config)")
	jsonOut := flag.Bool("json", false, "Print JSON instead of tables")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}
	if *debugAddr != "" {
		cfg.DebugAddr = *debugAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	if cmd == "help" {
		printUsage()
		return
	}

	logFormat := cfg.LogFormat
	if cmd != "serve" {
		logFormat = "console"
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: logFormat, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening sync store: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if cmd != "serve" {
		detect(ctx, a, *forceOffline)
	}

	switch cmd {
	case "status":
		cmdStatus(ctx, a, *jsonOut)
	case "queue", "ls":
		cmdQueue(a, *jsonOut)
	case "pending":
		cmdPending(a, *jsonOut)
	case "cache":
		cmdCache(ctx, a, cmdArgs)
	case "drain":
		cmdDrain(ctx, a, *jsonOut)
	case "get":
		cmdGet(ctx, a, cmdArgs)
	case "post":
		cmdWrite(ctx, a, models.MethodPost, cmdArgs)
	case "put":
		cmdWrite(ctx, a, models.MethodPut, cmdArgs)
	case "delete", "rm":
		cmdDelete(ctx, a, cmdArgs)
	case "serve":
		cmdServe(a, *forceOffline)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Offline sync CLI

Usage: syncctl [flags] <command> [args]

Flags:
  -config <file>       Config file (YAML)
  -server <url>        Server URL (overrides config)
  -storage <backend>   Storage backend: memory, file, redis, postgres, s3
  -dir <dir>           Storage directory for the file backend
  -offline             Treat the server as unreachable
  -debug-addr <addr>   Debug API address for serve
  -json                Print JSON instead of tables

Commands:
  status                       Show connectivity, queue and cache summary
  queue, ls                    List queued mutations in replay order
  pending                      List pending statuses
  cache                        List cached keys
  cache show <key>             Print a cached entry
  cache clear                  Remove every cached entry
  drain                        Replay the queue now
  get <endpoint>               Read through the cache
  post <endpoint> <json>       Create a record (queued when offline)
  put <endpoint> <json>        Update a record (queued when offline)
  delete, rm <endpoint>        Delete a record (requires a connection)
  serve                        Run the sync core until interrupted
  help                         Show this help message

Examples:
  syncctl -server https://api.example.com status
  syncctl get /vehicles
  syncctl -offline post /trips '{"vehicleId":3,"km":12}'
  syncctl drain
  syncctl -debug-addr :9090 serve`)
}

// detect sets connectivity once for a one-shot command.
func detect(ctx context.Context, a *app.App, forceOffline bool) {
	if forceOffline {
		a.Monitor.Update(connectivity.Reachable(false))
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := a.Client.Ping(pingCtx, a.Config.Connectivity.HealthPath)
	a.Monitor.Update(connectivity.Reachable(err == nil))
}

func cmdStatus(ctx context.Context, a *app.App, jsonOut bool) {
	data := struct {
		Server    string `json:"server"`
		Connected bool   `json:"connected"`
		Storage   string `json:"storage"`
		Queued    int    `json:"queued"`
		Pending   int    `json:"pending"`
		Cached    int    `json:"cached"`
	}{
		Server:    a.Config.ServerURL,
		Connected: a.Monitor.IsConnected(),
		Storage:   a.Config.Storage.Backend,
		Queued:    a.Queue.Len(),
		Pending:   len(a.Queue.Pending()),
		Cached:    len(a.Cache.Keys(ctx)),
	}
	if jsonOut {
		printJSON(data)
		return
	}

	connected := "offline"
	if data.Connected {
		connected = "online"
	}
	fmt.Println("Sync Status")
	fmt.Println("-----------")
	fmt.Printf("Server:       %s (%s)\n", data.Server, connected)
	fmt.Printf("Storage:      %s\n", data.Storage)
	fmt.Printf("Queued:       %d\n", data.Queued)
	fmt.Printf("Pending:      %d\n", data.Pending)
	fmt.Printf("Cached:       %d\n", data.Cached)
}

func cmdQueue(a *app.App, jsonOut bool) {
	items := a.Queue.List()
	if jsonOut {
		printJSON(items)
		return
	}
	if len(items) == 0 {
		fmt.Println("Queue is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tENDPOINT\tTARGET\tQUEUED AT")
	fmt.Fprintln(w, "--\t------\t--------\t------\t---------")
	for _, m := range items {
		target := m.TempID
		if m.Target != nil {
			target = m.Target.String()
		} else if target != "" {
			target = models.LocalID(target).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(m.ID), m.Method, m.Endpoint, orDash(target), formatTime(m.EnqueuedAt))
	}
	w.Flush()
}

func cmdPending(a *app.App, jsonOut bool) {
	pending := a.Queue.Pending()
	if jsonOut {
		printJSON(pending)
		return
	}
	if len(pending) == 0 {
		fmt.Println("No pending statuses")
		return
	}

	ids := make([]models.Identity, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tSTATUS")
	fmt.Fprintln(w, "------\t------")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", id, pending[id])
	}
	w.Flush()
}

func cmdCache(ctx context.Context, a *app.App, args []string) {
	if len(args) == 0 {
		keys := a.Cache.Keys(ctx)
		if len(keys) == 0 {
			fmt.Println("Cache is empty")
			return
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Println(k)
		}
		return
	}

	switch args[0] {
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: syncctl cache show <key>")
			os.Exit(1)
		}
		entry, ok := a.Cache.Entry(ctx, args[1])
		if !ok {
			fmt.Fprintf(os.Stderr, "Not cached: %s\n", args[1])
			os.Exit(1)
		}
		fmt.Printf("# %s (stored %s)\n", entry.Key, formatTime(entry.StoredAt))
		printJSON(entry.Value)
	case "clear":
		n := a.Cache.Clear(ctx)
		fmt.Printf("Cleared %d entries from cache\n", n)
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache command: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdDrain(ctx context.Context, a *app.App, jsonOut bool) {
	if !a.Monitor.IsConnected() {
		fmt.Fprintf(os.Stderr, "Server unreachable; %d mutations stay queued\n", a.Queue.Len())
		os.Exit(1)
	}

	ev, err := a.Engine.Drain(ctx)
	if jsonOut {
		printJSON(ev)
	} else {
		fmt.Printf("Synced %d mutations, %d remaining\n", ev.Mutations, ev.Remaining)
		for _, rw := range ev.Rewrites {
			fmt.Printf("  %s -> %s\n", rw.Local, rw.Server)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Drain stopped: %v\n", err)
		os.Exit(1)
	}
}

func cmdGet(ctx context.Context, a *app.App, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: syncctl get <endpoint>")
		os.Exit(1)
	}
	res, err := a.Requester.Get(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printResult(res)
}

func cmdWrite(ctx context.Context, a *app.App, method models.Method, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: syncctl %s <endpoint> <json>\n", strings.ToLower(string(method)))
		os.Exit(1)
	}
	body := json.RawMessage(args[1])
	if !json.Valid(body) {
		fmt.Fprintln(os.Stderr, "Error: body is not valid JSON")
		os.Exit(1)
	}

	res, err := a.Requester.Request(ctx, method, args[0], body, true, false, offline.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printResult(res)
}

func cmdDelete(ctx context.Context, a *app.App, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: syncctl delete <endpoint>")
		os.Exit(1)
	}
	res, err := a.Requester.Delete(ctx, args[0], offline.Options{})
	if err != nil {
		if errors.Is(err, offline.ErrOfflineDelete) && res != nil {
			fmt.Fprintln(os.Stderr, res.Warning)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
	printResult(res)
}

func cmdServe(a *app.App, forceOffline bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
	}()

	if forceOffline && a.Manual != nil {
		a.Manual.Set(connectivity.Reachable(false))
	}

	unsubscribe := a.Requester.AddQueueListener(func(ev syncer.SyncEvent) {
		logging.Info("queue synced",
			zap.Int("mutations", ev.Mutations),
			zap.Int("remaining", ev.Remaining),
			zap.Int("rewrites", len(ev.Rewrites)))
	})
	defer unsubscribe()

	if a.Config.DebugAddr != "" {
		srv := debugapi.New(a)
		go func() {
			if err := srv.ListenAndServe(ctx, a.Config.DebugAddr); err != nil {
				logging.Error("debug API stopped", zap.Error(err))
			}
		}()
	}

	logging.Info("sync core running",
		zap.String("server", a.Config.ServerURL),
		zap.String("debug_addr", a.Config.DebugAddr))

	if err := a.Run(ctx); err != nil {
		logging.Error("sync core stopped", zap.Error(err))
		os.Exit(1)
	}
}

func printResult(res *offline.Result) {
	if res.Warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", res.Warning)
	}
	if res.Offline {
		fmt.Fprintln(os.Stderr, "(offline)")
	}
	if len(res.Data) == 0 {
		return
	}
	printJSON(res.Data)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
