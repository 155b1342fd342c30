package main

import (
	"os"

	"github.com/spigell/wa-interviewer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
