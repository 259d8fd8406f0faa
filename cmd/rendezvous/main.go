// Rendezvous — the signaling server binary.
//
// Clients register their STUN-discovered endpoints here and the server
// brokers connection requests between them; after the chat-init exchange the
// peers talk directly and the server is no longer involved.
package main

import (
	"flag"
	"os"
	"os/signal"

	"github.com/StefanGC1/PeerBridge-CLI/internal/signaling"
	"github.com/StefanGC1/PeerBridge-CLI/internal/util"
)

func main() {
	port := flag.String("port", "5000", "TCP port to listen on")
	flag.Parse()

	server := signaling.NewServer()
	boundPort, err := server.Start(":" + *port)
	if err != nil {
		util.LogError("failed to start rendezvous server: %v", err)
		os.Exit(1)
	}
	defer server.Close()

	util.LogSuccess("rendezvous server running on port %d (endpoint /ws)", boundPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	util.LogInfo("rendezvous server shutting down")
}
