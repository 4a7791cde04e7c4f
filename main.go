package main

import (
	"os"

	"clone-stats-service/cmd"
)

// eg: ./clone-stats your_token alibaba/yalantinglibs alibaba/async_simple
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
