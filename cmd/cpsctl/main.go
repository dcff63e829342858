package main

import "github.com/ashureev/cps-scaffold/internal/cli"

// version is injected by the linker via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
