// Package main is the operator CLI for the modgate engine: configuration
// validation, policy inspection and version information.
package main

func main() {
	Execute()
}
