package main

import "github.com/chroma-forge/chromatrain/internal/cli"

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Execute(version)
}
