package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"peerbeat/config"
	"peerbeat/discovery"
	"peerbeat/network"
	"peerbeat/storage"
)

const (
	exitOK          = 0
	exitBindFailure = 1
	exitInvalidArgs = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Printf("startup failed while loading config: %v", err)
		return exitInvalidArgs
	}

	flags := flag.NewFlagSet("peerbeat", flag.ContinueOnError)
	port := flags.Int("port", cfg.ListeningPort, "TCP listen port")
	nodeID := flags.String("node-id", cfg.NodeID, "unique node identifier")
	host := flags.String("host", "127.0.0.1", "host advertised to peers")
	probeInterval := flags.Int("probe-interval", cfg.ProbeIntervalSeconds, "seconds between liveness probe sweeps")
	staleTimeout := flags.Int("stale-timeout", cfg.StaleTimeoutSeconds, "seconds of silence before a peer is evicted")
	if err := flags.Parse(args); err != nil {
		return exitInvalidArgs
	}

	if *port < 1 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid --port %d: must be in 1-65535\n", *port)
		return exitInvalidArgs
	}
	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "--node-id is required")
		return exitInvalidArgs
	}
	if *probeInterval <= 0 || *staleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "--probe-interval and --stale-timeout must be positive")
		return exitInvalidArgs
	}

	fmt.Printf("Node ID:         %s\n", *nodeID)
	fmt.Printf("Node Name:       %s\n", cfg.NodeName)
	fmt.Printf("Listening Port:  %d\n", *port)
	fmt.Printf("Probe Interval:  %ds\n", *probeInterval)
	fmt.Printf("Stale Timeout:   %ds\n", *staleTimeout)
	fmt.Printf("Config File:     %s\n", cfgPath)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Printf("startup failed while resolving data dir: %v", err)
		return exitInvalidArgs
	}

	journal, journalPath, err := storage.Open(dataDir)
	if err != nil {
		log.Printf("startup failed while opening journal: %v", err)
		return exitBindFailure
	}
	defer func() {
		if err := journal.Close(); err != nil {
			log.Printf("journal close error: %v", err)
		}
	}()
	fmt.Printf("Journal File:    %s\n", journalPath)

	staleWindow := time.Duration(*staleTimeout) * time.Second
	table := network.NewPeerTable(staleWindow)

	identity := network.Identity{
		NodeID: *nodeID,
		Host:   *host,
		Port:   *port,
	}

	server, err := network.Listen(net.JoinHostPort("", strconv.Itoa(*port)), table, network.ServerOptions{
		Handshake: network.HandshakeOptions{
			NodeID: *nodeID,
		},
		OnHandshake: journalHandshake(journal),
	})
	if err != nil {
		log.Printf("startup failed while binding listener: %v", err)
		return exitBindFailure
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("listener close error: %v", err)
		}
	}()

	prober, err := network.NewProber(table, network.ProberOptions{
		Identity:       identity,
		Interval:       time.Duration(*probeInterval) * time.Second,
		StaleTimeout:   staleWindow,
		OnProbeFailure: journalProbeFailure(journal),
		OnEvicted:      journalEvictions(journal),
	})
	if err != nil {
		log.Printf("startup failed while creating prober: %v", err)
		return exitInvalidArgs
	}
	prober.Start()
	defer prober.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logRegistrations(server.Registrations())
	go logErrors("server", server.Errors())
	go logErrors("prober", prober.Errors())

	discoveryService, err := discovery.Start(discovery.Config{
		SelfNodeID:    *nodeID,
		NodeName:      cfg.NodeName,
		ListeningPort: *port,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go registerDiscoveredPeers(ctx, discoveryService.Scanner.Events(), identity)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return exitOK
}

func logRegistrations(registrations <-chan network.Registration) {
	for registration := range registrations {
		envelope := registration.Envelope
		log.Printf("%s accepted: peer=%s endpoint=%s:%d remote=%s",
			envelope.Type, envelope.SenderID, envelope.Host, envelope.Port, registration.RemoteAddr)
	}
}

func logErrors(component string, errs <-chan error) {
	for err := range errs {
		log.Printf("%s: %v", component, err)
	}
}

// registerDiscoveredPeers introduces the local node to every LAN peer the
// scanner reports, which seeds the remote peer table and, through the
// remote node's own discovery pass, usually ours as well.
func registerDiscoveredPeers(ctx context.Context, events <-chan discovery.Event, identity network.Identity) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != discovery.EventPeerUpserted {
				log.Printf("discovery: peer gone id=%s", event.Peer.NodeID)
				continue
			}
			if len(event.Peer.Addresses) == 0 || event.Peer.Port <= 0 {
				continue
			}

			address := net.JoinHostPort(event.Peer.Addresses[0], strconv.Itoa(event.Peer.Port))
			ack, err := network.Register(ctx, address, identity, network.DefaultConnectionTimeout)
			if err != nil {
				log.Printf("discovery: register with %s at %s failed: %v", event.Peer.NodeID, address, err)
				continue
			}
			if !ack.Accepted() {
				log.Printf("discovery: %s rejected registration: %s", event.Peer.NodeID, ack.Reason)
				continue
			}
			log.Printf("discovery: registered with peer id=%s addr=%s", event.Peer.NodeID, address)
		case <-ctx.Done():
			return
		}
	}
}

func journalHandshake(journal *storage.Journal) network.HandshakeResultFunc {
	return func(envelope network.Envelope, status, reason string) {
		eventType := storage.EventHandshakeAccepted
		details := fmt.Sprintf(`{"type":%q,"host":%q,"port":%d}`, envelope.Type, envelope.Host, envelope.Port)
		if status == network.StatusRejected {
			eventType = storage.EventHandshakeRejected
			details = fmt.Sprintf(`{"reason":%q}`, reason)
		}
		if err := journal.LogEvent(storage.PeerEvent{
			EventType: eventType,
			PeerID:    envelope.SenderID,
			Details:   details,
		}); err != nil {
			log.Printf("journal: %v", err)
		}
	}
}

func journalProbeFailure(journal *storage.Journal) func(network.PeerRecord, error) {
	return func(record network.PeerRecord, probeErr error) {
		if err := journal.LogEvent(storage.PeerEvent{
			EventType: storage.EventProbeFailed,
			PeerID:    record.PeerID,
			Details:   fmt.Sprintf(`{"error":%q,"failures":%d}`, probeErr.Error(), record.FailureCount+1),
		}); err != nil {
			log.Printf("journal: %v", err)
		}
	}
}

func journalEvictions(journal *storage.Journal) func([]network.PeerRecord) {
	return func(records []network.PeerRecord) {
		for _, record := range records {
			log.Printf("evicted stale peer id=%s last_seen=%s", record.PeerID, record.LastSeen.Format(time.RFC3339))
			if err := journal.LogEvent(storage.PeerEvent{
				EventType: storage.EventPeerEvicted,
				PeerID:    record.PeerID,
				Details:   fmt.Sprintf(`{"last_seen":%q}`, record.LastSeen.Format(time.RFC3339)),
			}); err != nil {
				log.Printf("journal: %v", err)
			}
		}
	}
}
