package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// Config represents the overall configuration for the abmonitor server.
// It includes settings for the server itself, the world scan, optimization
// reconciliation and the producer service used to (re)queue entities.
type Config struct {
	// Monitor contains configuration parameters specific to the monitor server.
	Monitor struct {
		// Port is the TCP port on which the HTTP API, websocket and metrics are served.
		Port int `yaml:"port" default:"8080"`

		// DBURL is the database connection string used to connect to PostgreSQL.
		// It should include the username, password, host, database name, and SSL mode.
		// The special value "memory://" keeps every table in process memory (development only).
		DBURL string `yaml:"db_url" default:"postgres://localhost/abmonitor?sslmode=disable"`

		// MaxDBConcurrency limits the maximum number of concurrent database connections.
		MaxDBConcurrency int `yaml:"max_db_concurrency" default:"20"`

		// MonitoringSecret is the shared secret consumers send as a bearer token
		// on heartbeat, job-complete and queue-metrics calls.
		MonitoringSecret string `yaml:"monitoring_secret"`

		// AdminHashedPassword is the bcrypt hash of the operator password that gates
		// report generation and the trigger API.
		// It can be generated by CLI : `abmonitor hashpassword MySuperPassword`
		AdminHashedPassword string `yaml:"admin_hashed_password" default:""`

		// OfflineTimeout is the heartbeat age in seconds after which a consumer is shown offline.
		OfflineTimeout int `yaml:"offline_timeout" default:"30"`

		// PurgeTimeout is the heartbeat age in seconds after which a consumer row is deleted.
		PurgeTimeout int `yaml:"purge_timeout" default:"300"`

		// ReportInterval is the period in seconds between two automatic report runs.
		// A negative value disables the periodic run; reports can still be generated manually.
		ReportInterval int `yaml:"report_interval" default:"3600"`

		// SkipReportOnStart disables the report run done as soon as the server starts.
		SkipReportOnStart bool `yaml:"skip_report_on_start" default:"false"`
	} `yaml:"monitor"`

	// Scan holds the world scan parameters.
	Scan struct {
		// ContentURL is the base URL of the content server (entities are fetched
		// from <content_url>/entities/active).
		ContentURL string `yaml:"content_url" default:"https://peer.decentraland.org/content"`

		// MinCoord and MaxCoord bound the square coordinate grid scanned.
		MinCoord int `yaml:"min_coord" default:"-150"`
		MaxCoord int `yaml:"max_coord" default:"150"`

		// BatchSize is the number of pointers per request; sub-grids have a side of floor(sqrt(batch_size)).
		BatchSize int `yaml:"batch_size" default:"100"`

		// BatchDelayMs is the pause in milliseconds between two sub-grid requests.
		BatchDelayMs int `yaml:"batch_delay_ms" default:"200"`

		// Attempts is the number of tries per sub-grid request.
		Attempts int `yaml:"attempts" default:"3"`

		// Timeout is the timeout in seconds of one sub-grid request.
		Timeout int `yaml:"timeout" default:"30"`
	} `yaml:"scan"`

	// Optimization holds the parameters used to reconcile optimization status.
	Optimization struct {
		// ProbeURLTemplate is a printf template receiving the entity id; a HEAD on it
		// answers 2xx when the optimized output exists.
		ProbeURLTemplate string `yaml:"probe_url_template" default:"https://ab-cdn.decentraland.org/manifest/%s_windows.json"`

		// ReportURLTemplate is a printf template receiving the entity id; a GET on it
		// returns the optimization report.
		ReportURLTemplate string `yaml:"report_url_template" default:"https://ab-cdn.decentraland.org/manifest/%s-report.json"`

		// ProbeConcurrency and ProbePauseMs shape the fallback probe batches.
		ProbeConcurrency int `yaml:"probe_concurrency" default:"10"`
		ProbePauseMs     int `yaml:"probe_pause_ms" default:"100"`

		// ReportConcurrency and ReportPauseMs shape the report fetch batches.
		ReportConcurrency int `yaml:"report_concurrency" default:"20"`
		ReportPauseMs     int `yaml:"report_pause_ms" default:"50"`

		// ReportAttempts is the number of tries per report fetch.
		ReportAttempts int `yaml:"report_attempts" default:"2"`

		// Timeout is the timeout in seconds for a single probe or report fetch.
		Timeout int `yaml:"timeout" default:"10"`

		// Inventory configures the bulk listing fast path. Leave endpoint empty to
		// always use HTTP probes.
		Inventory InventoryConfig `yaml:"inventory"`
	} `yaml:"optimization"`

	// Producer describes the service that enqueues entities for optimization.
	Producer struct {
		// URL is the base URL of the producer (tasks are posted to <url>/queue-task).
		URL string `yaml:"url"`

		// Token is sent as a bearer token to the producer.
		Token string `yaml:"token"`

		// SingleTimeout is the timeout in seconds when one entity is triggered.
		SingleTimeout int `yaml:"single_timeout" default:"10"`

		// BulkTimeout is the overall timeout in seconds when several entities are triggered.
		BulkTimeout int `yaml:"bulk_timeout" default:"55"`
	} `yaml:"producer"`
}

// InventoryConfig points to the S3 compatible bucket holding optimized outputs.
type InventoryConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	// Prefix under which optimized outputs are stored, one object per entity whose
	// name starts with the entity id.
	Prefix string `yaml:"prefix" default:"manifest/"`
	// Suffix identifies the object marking a successful optimization.
	Suffix string `yaml:"suffix" default:"_windows.json"`
	// Insecure talks plain HTTP to the endpoint.
	Insecure bool `yaml:"insecure"`
	Timeout  int  `yaml:"timeout" default:"120"`
}

func (c *Config) Validate() error {
	if c.Monitor.DBURL == "" {
		return fmt.Errorf("monitor.db_url must be provided")
	}
	if c.Monitor.Port == 0 {
		return fmt.Errorf("monitor.port must be provided and non-zero")
	}
	if c.Monitor.MonitoringSecret == "" {
		return fmt.Errorf("monitor.monitoring_secret must be provided")
	}
	if c.Scan.MinCoord >= c.Scan.MaxCoord {
		return fmt.Errorf("scan.min_coord (%d) must be lower than scan.max_coord (%d)", c.Scan.MinCoord, c.Scan.MaxCoord)
	}
	if c.Scan.BatchSize < 1 {
		return fmt.Errorf("scan.batch_size must be at least 1")
	}
	if !strings.Contains(c.Optimization.ProbeURLTemplate, "%s") || !strings.Contains(c.Optimization.ReportURLTemplate, "%s") {
		return fmt.Errorf("optimization url templates must contain %%s")
	}
	if c.Monitor.AdminHashedPassword == "" {
		log.Printf("⚠️ monitor.admin_hashed_password is empty: a random operator password will be generated")
	}
	if c.Producer.URL == "" {
		log.Printf("⚠️ producer.url is empty: trigger API is disabled")
	}
	return nil
}

// Seconds converts a config integer expressed in seconds to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Milliseconds converts a config integer expressed in milliseconds to a duration.
func Milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// IsMemoryDB reports whether the configuration asks for the in-process store.
func (c *Config) IsMemoryDB() bool {
	return strings.HasPrefix(c.Monitor.DBURL, "memory://")
}

// Default returns a configuration filled with struct defaults only.
func Default() *Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		log.Printf("failed to set defaults: %v", err)
	}
	return &cfg
}

func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var cfg Config
	// Defaults are set once, before unmarshal: keys present in the file win,
	// including explicit zeros such as min_coord: 0 or batch_delay_ms: 0.
	if err := defaults.Set(&cfg); err != nil {
		log.Printf("failed to set defaults: %v", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if v := os.Getenv("ABMONITOR_MONITORING_SECRET"); v != "" {
		cfg.Monitor.MonitoringSecret = v
	}
	if v := os.Getenv("ABMONITOR_DB_URL"); v != "" {
		cfg.Monitor.DBURL = v
	}
	return &cfg, nil
}
