package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gridops/abmonitor/client/event"
	_ "github.com/gridops/abmonitor/internal/banner" // logs "<app> <version>" on startup
	"github.com/gridops/abmonitor/internal/version"
	"github.com/gridops/abmonitor/lib"
)

// main sends heartbeats on behalf of a consumer that cannot report by itself,
// so that it shows up as alive on the monitor.
func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Monitor server URL")
	secret := flag.String("secret", os.Getenv("ABMONITOR_MONITORING_SECRET"), "Monitoring secret")
	method := flag.String("method", "unity", "Process method reported by this consumer")
	interval := flag.Duration("interval", 10*time.Second, "Heartbeat period")
	versionFlag := flag.Bool("version", false, "Print version information and exit")

	// Get the hostname
	hostname, err := os.Hostname()
	if err != nil {
		// Generate a UUID if hostname retrieval fails
		hostname = fmt.Sprintf("consumer-%s", uuid.New().String())
	}
	name := flag.String("name", hostname, "Consumer id")

	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Full())
		return
	}
	if *secret == "" {
		log.Fatal("a monitoring secret is required (-secret or ABMONITOR_MONITORING_SECRET)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter := event.NewReporter(lib.CreateClient(*serverURL, *secret), *name, *method, *interval)
	reporter.Start()
	log.Printf("✅ Reporting %s to %s every %s", *name, *serverURL, *interval)

	<-ctx.Done()
	reporter.Stop()
	log.Println("Stopped")
}
