package main

import (
	"github.com/fermionq/fermion/cmd/fermionctl/cmd"
	"github.com/fermionq/fermion/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	cmd.Execute()
}
