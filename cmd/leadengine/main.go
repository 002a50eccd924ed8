// The main package for the leadengine executable.
package main

import (
	"github.com/Ank61/leadengine/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
