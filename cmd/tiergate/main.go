package main

import (
	"os"

	"github.com/sprite-ai/tiergate/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
