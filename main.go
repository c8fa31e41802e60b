// Package main is the entry point for the engagement substrate worker
// process.
package main

import (
	"log"
	"os"

	"github.com/ruiwen/engage/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
