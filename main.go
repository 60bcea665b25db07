package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Command line flags
	var (
		port   = flag.String("port", DefaultWebPort, "Web interface port")
		dbFile = flag.String("db", "", "Database file path (overrides SPOOLSYNC_DB_PATH)")
	)
	flag.Parse()

	dbPath := *dbFile
	if dbPath == "" {
		dbPath = getDBFilePath()
	}

	db, err := NewStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	config, err := LoadConfig(db)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override port from config if not specified on the command line
	if *port == DefaultWebPort && config.WebPort != DefaultWebPort {
		*port = config.WebPort
	}

	states := NewStateStore()
	links := NewLinkRegistry()
	dispatcher := NewCommandDispatcher(links, config.CommandTimeout)
	matcher := NameMatcher{}
	processor := NewMessageProcessor(states, links, dispatcher, db, matcher)
	hub := NewBroadcaster(states)
	usage := NewUsageTracker(db)
	device := NewDeviceManager(db, hub, config.DeviceTimeout)
	hub.SetInbound(device.HandleInbound)

	processor.SetBroadcast(func(serial string, diff map[string]any, snapshot PrinterState) {
		hub.PublishDiff(serial, diff)
		usage.OnStateUpdate(serial, snapshot)
	})

	webServer := NewWebServer(db, states, links, dispatcher, processor, hub, device, usage, config)

	// Bring up sessions for printers flagged for auto-connect.
	autoPrinters, err := db.GetAutoConnectPrinters()
	if err != nil {
		log.Printf("Error loading auto-connect printers: %v", err)
	}
	for _, p := range autoPrinters {
		log.Printf("Auto-connecting printer %s (%s)", p.Name, p.Serial)
		if err := webServer.ConnectPrinter(p); err != nil {
			log.Printf("Auto-connect for %s failed: %v", p.Serial, err)
		}
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := webServer.Start(*port); err != nil {
			log.Fatalf("Web server error: %v", err)
		}
	}()

	fmt.Printf("Web interface: http://0.0.0.0:%s\n", *port)

	<-sigChan
	fmt.Println("Shutting down services...")
	links.StopAll()
}
