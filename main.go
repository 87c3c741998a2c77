package main

import (
	"log"

	"github.com/candidatelabs/slackrag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
