// Llmgw is an LLM request gateway that fronts multiple upstream providers
// with an OpenAI-compatible API: cost-aware routing with health fallback,
// response caching, per-request cost metering, and structured attempt logs.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("llmgw", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// defaultConfigPath honors LLMGW_CONFIG so container deployments can point at
// a mounted file without overriding the entrypoint flags.
func defaultConfigPath() string {
	if p := os.Getenv("LLMGW_CONFIG"); p != "" {
		return p
	}
	return "configs/llmgw.yaml"
}
