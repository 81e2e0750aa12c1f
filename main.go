package main

import (
	"github.com/sidkik/replica/cmd"
	"github.com/sidkik/replica/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
