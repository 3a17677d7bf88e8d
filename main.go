// The main package for the novelcrawl executable.
package main

import (
	"github.com/JakeFAU/novelcrawl/cmd"
)

func main() {
	cmd.Execute()
}
