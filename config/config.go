/*
Package config loads the YAML configuration of the pipeline.

PURPOSE:
  One file drives the CLI and the server:

    database:
      path: data/seo.db
    input:
      data_dir: data/input
      gsc_dir: gsc
      gsc_prefix: gsc_
      analytics_dir: analytics
      analytics_prefix: ga_
      rank_dir: rank
      rank_prefix: rank_
    output:
      export_csv: true
      export_dir: data/exports
    processing:
      data_date: ""            # empty: today
      log_file: logs/seo_pipeline.log
      log_level: info
    analysis:
      trend_window_days: 7
      min_samples: 3
      min_sessions: 10
      correlation_min_samples: 5
      top_n: 10
    server:
      port: 8080
      allowed_origins: ["*"]
      schedule_interval: 0s      # e.g. 1h

  ${VAR} references are expanded from the environment before parsing.
  Missing keys keep their defaults; the result is validated as a whole.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/warp/seo-engine/ingest"
	"github.com/warp/seo-engine/pipeline"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Input      InputConfig      `yaml:"input"`
	Output     OutputConfig     `yaml:"output"`
	Processing ProcessingConfig `yaml:"processing"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Server     ServerConfig     `yaml:"server"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type InputConfig struct {
	DataDir         string `yaml:"data_dir" validate:"required"`
	GSCDir          string `yaml:"gsc_dir" validate:"required"`
	GSCPrefix       string `yaml:"gsc_prefix"`
	AnalyticsDir    string `yaml:"analytics_dir" validate:"required"`
	AnalyticsPrefix string `yaml:"analytics_prefix"`
	RankDir         string `yaml:"rank_dir" validate:"required"`
	RankPrefix      string `yaml:"rank_prefix"`
}

type OutputConfig struct {
	ExportCSV bool   `yaml:"export_csv"`
	ExportDir string `yaml:"export_dir" validate:"required_if=ExportCSV true"`
}

type ProcessingConfig struct {
	DataDate string `yaml:"data_date" validate:"omitempty,datetime=2006-01-02"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type AnalysisConfig struct {
	TrendWindowDays       int   `yaml:"trend_window_days" validate:"gt=0"`
	MinSamples            int   `yaml:"min_samples" validate:"gt=0"`
	MinSessions           int64 `yaml:"min_sessions" validate:"gte=0"`
	CorrelationMinSamples int   `yaml:"correlation_min_samples" validate:"gte=2"`
	TopN                  int   `yaml:"top_n" validate:"gt=0"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" validate:"gt=0,lte=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ScheduleInterval runs today's batch periodically while serving; 0 disables.
	ScheduleInterval time.Duration `yaml:"schedule_interval" validate:"gte=0"`
}

// Default is the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "data/seo.db"},
		Input: InputConfig{
			DataDir:         "data/input",
			GSCDir:          "gsc",
			GSCPrefix:       "gsc_",
			AnalyticsDir:    "analytics",
			AnalyticsPrefix: "ga_",
			RankDir:         "rank",
			RankPrefix:      "rank_",
		},
		Output: OutputConfig{ExportCSV: true, ExportDir: "data/exports"},
		Processing: ProcessingConfig{
			LogFile:  "logs/seo_pipeline.log",
			LogLevel: "info",
		},
		Analysis: AnalysisConfig{
			TrendWindowDays:       7,
			MinSamples:            3,
			MinSessions:           10,
			CorrelationMinSamples: 5,
			TopN:                  10,
		},
		Server: ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and reports all failing fields at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: rule '%s' expected '%s', got '%v'", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
	}
	return fmt.Errorf("invalid config:\n • %s", strings.Join(msgs, "\n • "))
}

// =============================================================================
// DERIVED SETTINGS
// =============================================================================

// ResolveBatch picks the batch of a run: the flag, else processing.data_date,
// else the date of now.
func (c Config) ResolveBatch(flag string, now time.Time) (pipeline.BatchID, error) {
	switch {
	case flag != "":
		return pipeline.ParseBatchID(flag)
	case c.Processing.DataDate != "":
		return pipeline.ParseBatchID(c.Processing.DataDate)
	default:
		return pipeline.BatchFor(now), nil
	}
}

// Sources lists the ingest locations in pipeline order.
func (c Config) Sources() []ingest.SourceConfig {
	in := c.Input
	return []ingest.SourceConfig{
		{Source: pipeline.SourceGSC, Dir: filepath.Join(in.DataDir, in.GSCDir), Prefix: in.GSCPrefix},
		{Source: pipeline.SourceAnalytics, Dir: filepath.Join(in.DataDir, in.AnalyticsDir), Prefix: in.AnalyticsPrefix},
		{Source: pipeline.SourceRank, Dir: filepath.Join(in.DataDir, in.RankDir), Prefix: in.RankPrefix},
	}
}
