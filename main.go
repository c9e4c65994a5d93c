package main

import (
	"github.com/ktvcast/ktvcast/cmd"
)

func main() {
	cmd.Execute()
}
