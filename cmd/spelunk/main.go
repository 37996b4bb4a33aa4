package main

import (
	"os"

	"github.com/spelunkdbg/spelunk/cmd/spelunk/cmds"
	"github.com/spelunkdbg/spelunk/pkg/logflags"
)

func main() {
	cmds.New().Execute()
	logflags.Close()
	os.Exit(0)
}
