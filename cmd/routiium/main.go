// Routiium is a policy-aware, translating HTTP gateway that sits in front
// of multiple LLM providers behind a single OpenAI-compatible surface.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/routiium.yaml", "path to config file")
	envFile := flag.String("env-defaults", "", "optional YAML file of environment-layer defaults")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("routiium", version)
		os.Exit(0)
	}

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
