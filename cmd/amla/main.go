// Package main provides the amla CLI for running capability-gated guest
// scripts.
package main

func main() {
	Execute()
}
