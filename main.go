package main

import (
	"github.com/esm-dev/nobuild/cli"
)

func main() {
	cli.Run()
}
