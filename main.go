// The main package for the signup-sentinel executable.
package main

import (
	"github.com/JakeFAU/signup-sentinel/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
