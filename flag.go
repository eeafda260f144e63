package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	hf         bool
	configPath string
	logLevel   string

	// per command
	geojsonPath string
	boundsArg   string
	sourceName  string
	title       string
	maxZoom     int
	regionArg   int64
	archivePath string
	budget      int64
)

var commands = []string{"serve", "download", "import", "list", "delete", "shrink", "resume"}

func InitFlag() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log level (default: info)")

	flag.StringVar(&geojsonPath, "geojson", "", "download: region outline as a GeoJSON `file`")
	flag.StringVar(&boundsArg, "bounds", "", "download: region as `lng0,lat0,lng1,lat1`")
	flag.StringVar(&sourceName, "source", "", "download, import: configured source `name`")
	flag.StringVar(&title, "title", "", "download: region title")
	flag.IntVar(&maxZoom, "maxzoom", 14, "download: deepest zoom level")
	flag.Int64Var(&regionArg, "id", 0, "delete: region `id`")
	flag.StringVar(&archivePath, "file", "", "import: MBTiles archive `path`")
	flag.Int64Var(&budget, "budget", 0, "shrink: byte budget (default: cache.maxBytes)")
	flag.Usage = usage
	flag.Parse()

	if hf || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilecache version: tilecache/v0.2.0
Usage: tilecache [-h] [-c filename] [-l logLevel] [flags] command

Commands: %v
`, commands)
	flag.PrintDefaults()
}
