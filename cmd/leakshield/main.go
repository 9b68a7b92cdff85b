package main

import (
	"os"

	"grimm.is/leakshield/cmd"
)

func main() {
	os.Exit(cmd.Execute(cmd.DefaultEnv(), os.Args[1:]))
}
