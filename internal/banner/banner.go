// Package banner logs the program name and build version when imported.
package banner

import (
	"log"
	"os"
	"path/filepath"

	"github.com/gridops/abmonitor/internal/version"
)

func init() {
	app := filepath.Base(os.Args[0]) // e.g., abmonitor-server, abmonitor
	log.Printf("%s %s", app, version.Full())
}
