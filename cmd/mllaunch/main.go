package main

import (
	"os"

	"mllaunch/internal/launcher"
)

func main() {
	os.Exit(launcher.Main())
}
