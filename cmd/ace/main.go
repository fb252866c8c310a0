package main

import (
	"os"

	"github.com/kristinday/ace/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
