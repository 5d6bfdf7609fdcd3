package config

import (
	"flag"
	"os"
	"path/filepath"
)

// DefaultRepoURL is the upstream catalog of vulnerable environments.
const DefaultRepoURL = "https://github.com/vulhub/vulhub.git"

// Config holds all application configuration.
type Config struct {
	CatalogRoot string // directory tree of environment definitions
	CachePath   string // persisted catalog snapshot
	Addr        string // HTTP listen address
	RepoURL     string // git remote for catalog sync
	Watch       bool   // catalog file watcher on/off
	Debug       bool
}

// Load reads environment variables, then lets command line flags override
// them.
func Load() *Config {
	cfg := &Config{}

	root := getEnv("VULNDOCK_ROOT", "./vulhub")
	cfg.Addr = getEnv("VULNDOCK_ADDR", ":3000")
	cfg.CachePath = getEnv("VULNDOCK_CACHE", defaultCachePath())
	cfg.RepoURL = getEnv("VULNDOCK_REPO", DefaultRepoURL)

	flag.StringVar(&root, "root", root, "Catalog root directory")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP server address")
	flag.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Path to the catalog cache file")
	flag.StringVar(&cfg.RepoURL, "repo", cfg.RepoURL, "Git remote for catalog sync")
	flag.BoolVar(&cfg.Watch, "watch", true, "Watch the catalog for changes")
	flag.BoolVar(&cfg.Debug, "debug", getEnv("VULNDOCK_DEBUG", "") != "", "Enable verbose debug logging")
	flag.Parse()

	abs, err := filepath.Abs(root)
	if err == nil {
		root = abs
	}
	cfg.CatalogRoot = root
	return cfg
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vulndock-cache.json"
	}
	return filepath.Join(home, ".vulndock", "cache.json")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
