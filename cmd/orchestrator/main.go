package main

import "github.com/taskflow/orchestrator/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
