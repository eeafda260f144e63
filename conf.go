package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"tilecache/internal/offline"
	"tilecache/internal/search"
	"tilecache/internal/tile"
)

var conf *Conf

// SourceConf is one [[sources]] entry.
type SourceConf struct {
	Name            string          `mapstructure:"name"`
	URL             string          `mapstructure:"url"`
	CacheFile       string          `mapstructure:"cacheFile"`
	Format          string          `mapstructure:"format"`
	MaxZoom         int             `mapstructure:"maxZoom"`
	TMS             bool            `mapstructure:"tms"`
	Subdomains      []string        `mapstructure:"subdomains"`
	Headers         []string        `mapstructure:"headers"`
	OfflineFallback bool            `mapstructure:"offlineFallback"`
	Search          []search.Fields `mapstructure:"search"`
}

type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
	} `mapstructure:"output"`
	Cache struct {
		Directory string        `mapstructure:"directory"`
		MaxBytes  int64         `mapstructure:"maxBytes"`
		MaxAge    time.Duration `mapstructure:"maxAge"`
		// MemoryTiles sizes the in-memory tile cache of the server.
		MemoryTiles int `mapstructure:"memoryTiles"`
	} `mapstructure:"cache"`
	Offline struct {
		MaxConcurrent int    `mapstructure:"maxConcurrent"`
		MaxPending    int    `mapstructure:"maxPending"`
		RegionsDB     string `mapstructure:"regionsDB"`
	} `mapstructure:"offline"`
	Search struct {
		DB string `mapstructure:"db"`
	} `mapstructure:"search"`
	HTTP struct {
		Timeout   time.Duration `mapstructure:"timeout"`
		UserAgent string        `mapstructure:"userAgent"`
		Workers   int           `mapstructure:"workers"`
	} `mapstructure:"http"`
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Sources []SourceConf `mapstructure:"sources"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("config file(%s) not exist\n", cfgFile)
		os.Exit(1)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv() // read in environment variables that match
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("read config file(%s) error, details: %s\n", v.ConfigFileUsed(), err)
		os.Exit(1)
	}
	setDefaults(v)

	conf = new(Conf)
	if err := v.Unmarshal(conf); err != nil {
		fmt.Printf("parse config file(%s) error, details: %s\n", cfgFile, err)
		os.Exit(1)
	}
	if err := conf.validate(); err != nil {
		fmt.Printf("invalid config file(%s): %s\n", cfgFile, err)
		os.Exit(1)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.version", "v0.2.0")
	v.SetDefault("app.title", "Tile Cache")
	v.SetDefault("cache.directory", "cache")
	v.SetDefault("cache.maxBytes", 500<<20)
	v.SetDefault("cache.memoryTiles", 256)
	v.SetDefault("offline.maxConcurrent", 8)
	v.SetDefault("offline.maxPending", 64)
	v.SetDefault("offline.regionsDB", "offline/regions.db")
	v.SetDefault("search.db", "offline/search.db")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.userAgent", "tilecache/0.2")
	v.SetDefault("http.workers", 8)
	v.SetDefault("server.addr", ":8080")
}

func (c *Conf) validate() error {
	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: missing name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if !tile.HasTilePattern(s.URL) {
			return fmt.Errorf("source %s: url %q has no tile pattern", s.Name, s.URL)
		}
	}
	return nil
}

// cacheFile is where a source keeps its tiles.
func (c *Conf) cacheFile(s SourceConf) string {
	if s.CacheFile != "" {
		return s.CacheFile
	}
	return filepath.Join(c.Cache.Directory, s.Name+".mbtiles")
}

func (c *Conf) source(name string) (SourceConf, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConf{}, false
}

// resolve maps a source name to the offline download settings.
func (c *Conf) resolve(name string) ([]offline.SourceSettings, error) {
	s, ok := c.source(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", offline.ErrUnknownSource, name)
	}
	return []offline.SourceSettings{{
		Name:       s.Name,
		CacheFile:  c.cacheFile(s),
		URL:        s.URL,
		URLOptions: urlOptions(s),
		Format:     s.Format,
		MaxZoom:    s.MaxZoom,
		Search:     s.Search,
	}}, nil
}

func urlOptions(s SourceConf) tile.URLOptions {
	return tile.URLOptions{
		Subdomains: s.Subdomains,
		TMS:        s.TMS,
		Headers:    s.Headers,
	}
}
