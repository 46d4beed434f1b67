// Command udcsim runs the USB transfer engine against the simulated
// controller back-end and drives it with a scripted host.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ardnew/softudc/internal/log"
)

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configPaths(userCfg)

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("udcsim"),
		kong.Description(Description()),
		kong.UsageOnError(),
		// Flags and env override config file values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := log.Setup(cli.Log.Level, cli.Log.File)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logger:", err)
		os.Exit(2)
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	ctx.Bind(logger, &cli.Engine)
	err = ctx.Run()
	ctx.FatalIfErrorf(err)
}

func findUserConfig(args []string) string {
	for i, a := range args {
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("UDCSIM_CONFIG")
}

// configPaths sorts the candidate configuration files by loader. An
// explicit file is used alone; otherwise the user config directory is
// searched.
func configPaths(user string) (jsonPaths, yamlPaths, tomlPaths []string) {
	var candidates []string
	if user != "" {
		candidates = []string{user}
	} else if dir, err := os.UserConfigDir(); err == nil {
		for _, name := range []string{"config.json", "config.yaml", "config.yml", "config.toml"} {
			candidates = append(candidates, filepath.Join(dir, "udcsim", name))
		}
	}
	for _, p := range candidates {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json":
			jsonPaths = append(jsonPaths, p)
		case ".toml":
			tomlPaths = append(tomlPaths, p)
		default:
			yamlPaths = append(yamlPaths, p)
		}
	}
	return jsonPaths, yamlPaths, tomlPaths
}
