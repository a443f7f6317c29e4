package main

import (
	"flag"
	"fmt"
	"log"

	_ "github.com/gridops/abmonitor/internal/banner" // logs "<app> <version>" on startup
	"github.com/gridops/abmonitor/internal/version"
	"github.com/gridops/abmonitor/server"
	"github.com/gridops/abmonitor/server/config"
)

func main() {
	configFile := flag.String("config", "/etc/abmonitor.yaml", "Configuration file")
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Full())
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := server.Serve(*cfg); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
