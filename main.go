// The main package for the rangecrawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/rangecrawler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
