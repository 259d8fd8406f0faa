// PeerBridge — CLI entry point.
//
// This tool creates a P2P VPN tunnel between two hosts behind NATs. Both
// sides register with a rendezvous server, punch a direct UDP path, and then
// share a small virtual LAN (10.0.0.0/24) over a TUN adapter — ping, game
// LAN discovery, and ordinary TCP/UDP services all work across it.
//
// It can be launched with flags (-server, -username, -port) or interactively.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/StefanGC1/PeerBridge-CLI/internal/app"
	"github.com/StefanGC1/PeerBridge-CLI/internal/config"
	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

var version = "dev"

func main() {
	// CLI flags override the environment configuration.
	envFile := flag.String("env", "", "Path to .env file (optional)")
	serverFlag := flag.String("server", "", "Rendezvous server URL (ws:// or wss://)")
	usernameFlag := flag.String("username", "", "Username to register")
	portFlag := flag.Int("port", -1, "Local UDP port (0 = any)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	trafficMode := flag.Bool("traffic", false, "Enable traffic logging")
	flag.Parse()

	cfg := config.Load(*envFile)
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *usernameFlag != "" {
		cfg.Username = *usernameFlag
	}
	if *portFlag >= 0 {
		cfg.LocalPort = *portFlag
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	util.SetTrafficLogging(*trafficMode || cfg.TrafficLogs)

	pterm.Info.Println(fmt.Sprintf("PeerBridge — v%s", version))
	pterm.Println()

	if cfg.Username == "" {
		cfg.Username = askUsername()
	}

	system := app.NewSystem(cfg)
	if !system.Initialize(cfg.ServerURL, cfg.Username, cfg.LocalPort) {
		util.LogError("failed to initialize the application, exiting")
		os.Exit(1)
	}

	util.LogSuccess("P2P system initialized successfully")
	util.LogInfo("Type /help for available commands")

	// Ctrl+C triggers the same teardown as /quit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	quit := make(chan struct{})
	go func() {
		commandLoop(system)
		close(quit)
	}()

	select {
	case <-sigCh:
	case <-quit:
	}

	system.Shutdown()
	util.LogInfo("application exiting, goodbye")
}

// commandLoop reads slash commands from stdin until /quit or EOF.
func commandLoop(system *app.System) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit" || line == "/exit":
			return

		case line == "/help":
			printHelp()

		case strings.HasPrefix(line, "/connect "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/connect "))
			if peer == "" {
				util.LogWarning("usage: /connect <username>")
				continue
			}
			system.ConnectToPeer(peer)

		case line == "/disconnect":
			system.StopConnection()

		case line == "/accept":
			system.AcceptIncomingRequest()

		case line == "/reject":
			system.RejectIncomingRequest()

		case line == "/status":
			printStatus(system)

		case line == "/ip":
			printIPs(system)

		case line == "/logs":
			enabled := !util.TrafficLoggingEnabled()
			util.SetTrafficLogging(enabled)
			util.LogInfo("traffic logging %s", onOff(enabled))

		case line == "":

		default:
			util.LogWarning("unknown command %q, type /help", line)
		}
	}
}

func printHelp() {
	util.LogInfo("Commands:")
	util.LogInfo("  /connect <username> - Connect to a peer")
	util.LogInfo("  /disconnect - Disconnect from current peer")
	util.LogInfo("  /accept - Accept incoming connection request")
	util.LogInfo("  /reject - Reject incoming connection request")
	util.LogInfo("  /status - Display connection status")
	util.LogInfo("  /ip - Show current virtual IP addresses")
	util.LogInfo("  /logs - Toggle traffic logging output (default: disabled)")
	util.LogInfo("  /quit or /exit - Exit the application")
	util.LogInfo("  /help - Show this help message")
	util.LogInfo("When connected, use standard network tools like ping against")
	util.LogInfo("the assigned virtual IP addresses.")
}

func printStatus(system *app.System) {
	if system.IsConnected() {
		role := "Client"
		if system.IsHost() {
			role = "Host"
		}
		util.LogInfo("[Status] %s", system.State())
		util.LogInfo("  Peer: %s", system.PeerUsername())
		util.LogInfo("  Role: %s", role)
		util.LogInfo("  Tunnel: in %d frames / out %d frames",
			util.Stats.FramesRecv.Load(), util.Stats.FramesSent.Load())
	} else {
		util.LogInfo("[Status] %s", system.State())
	}
}

func printIPs(system *app.System) {
	if !system.IsConnected() {
		util.LogInfo("[IP] Not connected")
		return
	}
	util.LogInfo("[IP] Your virtual IP: %s", system.LocalVirtualIP())
	util.LogInfo("[IP] Peer virtual IP: %s", system.PeerVirtualIP())
}

// askUsername prompts until a non-empty username is entered.
func askUsername() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Enter your username").
			Show()

		username := strings.TrimSpace(raw)
		if username != "" {
			pterm.Println()
			return username
		}

		util.LogWarning("username cannot be empty")
		pterm.Println()
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
