package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the bagforecast pipeline.
type Config struct {
	Database  Database  `yaml:"database"`
	Storage   Storage   `yaml:"storage"`
	Logging   Logging   `yaml:"logging"`
	Upload    Upload    `yaml:"upload"`
	Transform Transform `yaml:"transform"`
	Train     Train     `yaml:"train"`
	Drift     Drift     `yaml:"validate"`
	Redis     Redis     `yaml:"redis"`
	Metrics   Metrics   `yaml:"metrics"`
	DynamoDB  DynamoDB  `yaml:"dynamodb"`
}

// Supported values of Database.Driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

// Database selects and locates the order store.
type Database struct {
	Driver   string `yaml:"driver"`
	Endpoint string `yaml:"endpoint"` // host:port
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	Table    string `yaml:"table"`
	// ConnectAttempts bounds retries of the initial connection.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// Storage holds paths for files produced and consumed by the pipeline.
// Relative paths are resolved against DataDir.
type Storage struct {
	DataDir         string `yaml:"data_dir"`
	SQLitePath      string `yaml:"sqlite_path"`
	SourceCSV       string `yaml:"source_csv"`
	SnapshotCSV     string `yaml:"snapshot_csv"`
	SnapshotParquet string `yaml:"snapshot_parquet"`
	TrainingParquet string `yaml:"training_parquet"`
	ModelDir        string `yaml:"model_dir"`
	DriftReport     string `yaml:"drift_report"`
	CursorDay       string `yaml:"cursor_day"`
	CursorWeek      string `yaml:"cursor_week"`
	CursorMonth     string `yaml:"cursor_month"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Upload controls the initial table load.
type Upload struct {
	SampleFraction float64 `yaml:"sample_fraction"` // 0 or 1 loads every row
	Seed           int64   `yaml:"seed"`
}

// Transform holds the outlier filter thresholds.
type Transform struct {
	BagsUsedMax           float64 `yaml:"bags_used_max"`
	BagsUsedMin           float64 `yaml:"bags_used_min"`
	BagsUsedMinInclusive  bool    `yaml:"bags_used_min_inclusive"`
	ColdBagsUsedMin       float64 `yaml:"cold_bags_used_min"`
	DeepFrozenBagsUsedMin float64 `yaml:"deep_frozen_bags_used_min"`
	TotalWeightMax        float64 `yaml:"total_weight_max"`
}

// Train holds regression parameters.
type Train struct {
	Ridge        float64 `yaml:"ridge"`
	TestFraction float64 `yaml:"test_fraction"`
	Seed         int64   `yaml:"seed"`
	MinRows      int     `yaml:"min_rows"`
}

// Drift configures the validate step. Window bounds are YYYY-MM-DD dates.
type Drift struct {
	ReferenceStart string  `yaml:"reference_start"`
	ReferenceEnd   string  `yaml:"reference_end"`
	DriftThreshold float64 `yaml:"drift_threshold"`
}

// Redis configures the pipeline event publisher. An empty URL disables it.
type Redis struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Metrics configures the prometheus textfile written at process exit. An
// empty path disables the export.
type Metrics struct {
	TextfilePath string `yaml:"textfile_path"`
}

// DynamoDB configures the DynamoDB order store.
type DynamoDB struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Table    string `yaml:"table"`
	// WritesPerSecond throttles write requests; 0 disables throttling.
	WritesPerSecond float64 `yaml:"writes_per_second"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns the configuration used when a field is not set.
func Default() *Config {
	return &Config{
		Database: Database{
			Driver:          DriverPostgres,
			Endpoint:        "localhost:5432",
			Name:            "data_warehouse",
			Username:        "postgres",
			Password:        "postgres",
			SSLMode:         "disable",
			Table:           "bags_forecast",
			ConnectAttempts: 3,
		},
		Storage: Storage{
			DataDir:         "data",
			SQLitePath:      "bagforecast.db",
			SourceCSV:       "bags_forecast_with_id.csv",
			SnapshotCSV:     "current_state.csv",
			SnapshotParquet: "current_state.parquet",
			TrainingParquet: "training_state.parquet",
			ModelDir:        "models",
			DriftReport:     "data_drift.json",
			CursorDay:       "next_day.json",
			CursorWeek:      "next_week.json",
			CursorMonth:     "next_month.json",
		},
		Logging: Logging{Level: "info", Format: "text"},
		Upload:  Upload{SampleFraction: 1, Seed: 42},
		Transform: Transform{
			BagsUsedMax:          10,
			BagsUsedMin:          0,
			BagsUsedMinInclusive: true,
			TotalWeightMax:       5e4,
		},
		Train: Train{Ridge: 1e-3, TestFraction: 0.3, Seed: 42, MinRows: 10},
		Drift: Drift{
			ReferenceStart: "2022-01-01",
			ReferenceEnd:   "2022-02-20",
			DriftThreshold: 0.1,
		},
		Redis:    Redis{Channel: "bagforecast:events"},
		DynamoDB: DynamoDB{Region: "eu-central-1", Table: "bags_forecast"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of
// Default, loads a .env file from the working directory if one exists, and
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_ENDPOINT"); v != "" {
		cfg.Database.Endpoint = v
	}
	if v := os.Getenv("DB_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.DynamoDB.Table = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.DynamoDB.Region = v
	}
}

// Validate reports configuration errors that would otherwise surface in the
// middle of a run.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if _, _, err := c.Database.HostPort(); err != nil {
			return err
		}
	case DriverSQLite, DriverDynamoDB:
	default:
		return fmt.Errorf("database.driver %q: want %s, %s or %s",
			c.Database.Driver, DriverPostgres, DriverSQLite, DriverDynamoDB)
	}

	if c.Upload.SampleFraction < 0 || c.Upload.SampleFraction > 1 {
		return fmt.Errorf("upload.sample_fraction %v outside [0, 1]", c.Upload.SampleFraction)
	}
	if c.Train.TestFraction <= 0 || c.Train.TestFraction >= 1 {
		return fmt.Errorf("train.test_fraction %v outside (0, 1)", c.Train.TestFraction)
	}
	if _, _, err := c.Drift.ReferenceWindow(); err != nil {
		return err
	}
	return nil
}

// HostPort splits the endpoint into host and port.
func (d Database) HostPort() (string, int, error) {
	host, portStr, err := net.SplitHostPort(d.Endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("database.endpoint %q: %w", d.Endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("database.endpoint %q: invalid port", d.Endpoint)
	}
	return host, port, nil
}

// DSN returns the postgres connection URL.
func (d Database) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   d.Endpoint,
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
	}
	return u.String()
}

// ReferenceWindow parses the reference window bounds as UTC midnights.
func (v Drift) ReferenceWindow() (start, end time.Time, err error) {
	start, err = time.Parse(time.DateOnly, v.ReferenceStart)
	if err != nil {
		return start, end, fmt.Errorf("validate.reference_start: %w", err)
	}
	end, err = time.Parse(time.DateOnly, v.ReferenceEnd)
	if err != nil {
		return start, end, fmt.Errorf("validate.reference_end: %w", err)
	}
	if !start.Before(end) {
		return start, end, fmt.Errorf("validate: reference_start %s not before reference_end %s", v.ReferenceStart, v.ReferenceEnd)
	}
	return start, end, nil
}

// Path resolves a storage path against DataDir. Absolute paths are returned
// unchanged.
func (s Storage) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.DataDir, p)
}

// CursorPath returns the resolved cursor file for a granularity name (day,
// week or month).
func (s Storage) CursorPath(granularity string) (string, error) {
	switch granularity {
	case "day":
		return s.Path(s.CursorDay), nil
	case "week":
		return s.Path(s.CursorWeek), nil
	case "month":
		return s.Path(s.CursorMonth), nil
	default:
		return "", fmt.Errorf("no cursor file for granularity %q", granularity)
	}
}
