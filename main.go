// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/multichat/internal/config"
	"github.com/petervdpas/multichat/internal/history"
	"github.com/petervdpas/multichat/internal/session"

	logging "github.com/ipfs/go-log/v2"
)

var (
	cfgPath  = flag.String("config", "multichat.json", "Path to the config file")
	username = flag.String("user", "", "Identity to log in as (overrides config)")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("multichat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config at %s — edit it and restart.\n", *cfgPath)
		return
	}

	if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "log level: %v\n", err)
		os.Exit(1)
	}

	user := cfg.Identity.Username
	if *username != "" {
		user = *username
	}
	if user == "" {
		fmt.Fprintln(os.Stderr, "Error: no username (set identity.username or pass -user)")
		os.Exit(1)
	}

	app := NewApp(*cfgPath, cfg)

	stopWatch, err := config.Watch(*cfgPath, app.SetConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config watch: %v\n", err)
	} else {
		defer stopWatch()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := app.Login(ctx, user); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}
	defer app.Logout(context.Background())

	printBanner(user, cfg)
	runConsole(ctx, app)
}

// runConsole mirrors session activity to stdout until the context ends.
func runConsole(ctx context.Context, app *App) {
	cache, err := app.History()
	if err != nil {
		return
	}
	machine, err := app.Calls()
	if err != nil {
		return
	}

	msgCh, cancelMsgs := cache.Subscribe()
	defer cancelMsgs()
	evtCh, cancelEvts := machine.Subscribe()
	defer cancelEvts()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgCh:
			printMessage(msg)
		case evt := <-evtCh:
			printCallEvent(evt)
		}
	}
}

func printMessage(msg history.Message) {
	dir := "<-"
	if msg.IsSent {
		dir = "->"
	}
	fmt.Printf("[%s] %s %s: %s\n", msg.Timestamp.Format("15:04:05"), dir, msg.From, msg.Content.Raw)
}

func printCallEvent(evt session.Event) {
	switch e := evt.(type) {
	case session.IncomingCallEvent:
		fmt.Printf("☎ Incoming call from %s (call %s)\n", e.Caller, e.CallID)
	case session.ConnectedEvent:
		fmt.Printf("☎ Call with %s connected\n", e.Peer)
	case session.RejectedEvent:
		fmt.Printf("☎ %s rejected the call\n", e.Peer)
	case session.EndedEvent:
		fmt.Printf("☎ Call with %s ended: %s (%s)\n", e.Peer, e.Reason, e.Duration)
	}
}

func showUsage() {
	fmt.Println("multichat - audio-call and chat client core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  multichat [-config path] [-user name]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON config file (default multichat.json)")
	fmt.Println("  -user     Identity to log in as, overriding identity.username")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(user string, cfg config.Config) {
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Printf("multichat v%s\n", appVersion)
	fmt.Printf("Identity:   %s\n", user)
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.RPCURL)
	fmt.Printf("Signaling:  %s\n", cfg.Signaling.URL)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("────────────────────────────────────────────────────────")
}
