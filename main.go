// Package main is the entry point for the videoconverter runner.
//
// The runner is a worker process that registers with a videoconverter
// control plane, polls for transcode tasks, and executes a three-stage
// pipeline per task: fetch the source, re-encode it, and upload the
// result to object storage, reporting progress along the way.
package main

import (
	"os"

	"github.com/KinnaTo/videoconverter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
