// The main package for the autopublisher executable.
package main

import (
	"github.com/JakeFAU/autopublisher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
