// The main package for the shopgraph crawler executable.
package main

import (
	"github.com/shopgraph/crawler/cmd"
)

func main() {
	cmd.Execute()
}
