// Package main is the entry point for the tierforge control plane.
package main

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	Execute()
}
