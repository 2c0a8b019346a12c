package main

import (
	"github.com/sw33tLie/plancache/cmd"
)

func main() {
	cmd.Execute()
}
