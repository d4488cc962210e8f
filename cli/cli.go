package cli

import (
	"fmt"
	"os"
)

const VERSION = "v0.1.0"

const helpMessage = "\033[30mnobuild - A dev server serving native ES modules with hot updates.\033[0m" + `

Usage: nobuild [command] [options]

Commands:
  dev                   Serve the app in "development" mode with hot updates (default)
  optimize              Prebundle the third-party packages imported by the app

Options:
  --config              The config file path, default is "nobuild.json"
  --root                The app root directory
  --port                The port to serve on (dev only)
  --log-level           Log level (debug, info, warn, error)
  --force               Ignore the previous prebundle (optimize only)
  --version, -v         Show the version
  --help, -h            Display this help message
`

func Run() {
	args := os.Args[1:]
	command := "dev"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}
	for _, arg := range args {
		switch arg {
		case "--version", "-v":
			fmt.Println("nobuild " + VERSION)
			return
		case "--help", "-h":
			fmt.Print(helpMessage)
			return
		}
	}
	switch command {
	case "dev":
		Dev(args)
	case "optimize":
		Optimize(args)
	case "version":
		fmt.Println("nobuild " + VERSION)
	default:
		fmt.Print(helpMessage)
	}
}
