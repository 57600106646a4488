package main

import (
	"github.com/opamci/opamci/cmd"
)

func main() {
	cmd.Execute()
}
