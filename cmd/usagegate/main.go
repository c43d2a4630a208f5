// Package main is the entry point for the usagegate service and its
// operator commands.
package main

func main() {
	Execute()
}
