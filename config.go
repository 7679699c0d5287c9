package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pbnjay/memory"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/akhenakh/rectifier/crs"
	"github.com/akhenakh/rectifier/grid"
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFile         string `env:"LOG_FILE"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	// JobFile is an optional YAML file overriding the Job fields it sets.
	JobFile string `env:"JOB_FILE"`
	Job     Job

	Workers int `env:"WORKERS" envDefault:"0"`
	// CacheMaxSize bounds the graph cache in bytes, a quarter of physical memory when unset.
	CacheMaxSize      int64  `env:"CACHE_MAX_SIZE" envDefault:"0"`
	CacheItemsToPrune uint32 `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	TIFFCacheSize     int64  `env:"TIFF_CACHE_SIZE" envDefault:"268435456"`
	Prefetch          bool   `env:"PREFETCH" envDefault:"false"`
	// Transformer names the crs backend: "geom", or "proj" in binaries built with the
	// proj tag. geom has no laea, so EPSG:3035 needs proj.
	Transformer string `env:"TRANSFORMER" envDefault:"geom"`
}

// Job describes the swath inputs and the destination grid. Sources are local paths,
// http(s) URLs served with byte ranges, or gocloud.dev blob URLs such as file:///data/b04.tif.
type Job struct {
	Lon   string   `env:"LON_SOURCE" yaml:"lon"`
	Lat   string   `env:"LAT_SOURCE" yaml:"lat"`
	Bands []string `env:"BAND_SOURCES" envSeparator:"," yaml:"bands"`

	CRS        string  `env:"DST_CRS" envDefault:"EPSG:4326" yaml:"crs"`
	XRes       float64 `env:"X_RES" yaml:"x_res"`
	YRes       float64 `env:"Y_RES" yaml:"y_res"`
	TileWidth  int     `env:"TILE_WIDTH" envDefault:"256" yaml:"tile_width"`
	TileHeight int     `env:"TILE_HEIGHT" envDefault:"256" yaml:"tile_height"`

	// Width and Height select a fixed grid at (XMin, YMin). When zero the grid is
	// resolved to just cover the swath.
	XMin   float64 `env:"X_MIN" yaml:"x_min"`
	YMin   float64 `env:"Y_MIN" yaml:"y_min"`
	Width  int     `env:"GRID_WIDTH" yaml:"width"`
	Height int     `env:"GRID_HEIGHT" yaml:"height"`

	CenterOffset float64 `env:"CENTER_OFFSET" envDefault:"0.5" yaml:"center_offset"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.JobFile != "" {
		data, err := os.ReadFile(cfg.JobFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read job file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Job); err != nil {
			return cfg, fmt.Errorf("failed to parse job file %s: %w", cfg.JobFile, err)
		}
	}
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = int64(memory.TotalMemory() / 4)
	}
	return cfg, cfg.Validate()
}

// Validate checks the job and that the transformer backend projects into its CRS.
func (c Config) Validate() error {
	errs := []error{c.Job.Validate()}
	if dst, err := crs.Parse(c.Job.CRS); err != nil {
		errs = append(errs, err)
	} else if !dst.IsGeographic() {
		if _, err := crs.NewBackendTransformer(c.Transformer, dst); err != nil {
			errs = append(errs, fmt.Errorf("transformer %s: %w", c.Transformer, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the inputs are named. Grid parameters are checked by Grid.
func (j Job) Validate() error {
	var errs []error
	if j.Lon == "" {
		errs = append(errs, errors.New("missing longitude source"))
	}
	if j.Lat == "" {
		errs = append(errs, errors.New("missing latitude source"))
	}
	if len(j.Bands) == 0 {
		errs = append(errs, errors.New("missing band sources"))
	}
	return errors.Join(errs...)
}

// Grid returns the fixed destination grid, or a preliminary one to resolve.
func (j Job) Grid() (grid.Grid, error) {
	c, err := crs.Parse(j.CRS)
	if err != nil {
		return grid.Grid{}, err
	}
	if j.Width > 0 || j.Height > 0 {
		return grid.New(c, j.XMin, j.YMin, j.XRes, j.YRes, j.Width, j.Height, j.TileWidth, j.TileHeight)
	}
	return grid.Preliminary(c, j.XRes, j.YRes, j.TileWidth, j.TileHeight)
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  128, // megabytes
			MaxAge:   28,  // days
			Compress: true,
		})
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}
