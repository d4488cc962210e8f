package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/esm-dev/nobuild/server"
	"github.com/ije/gox/term"
)

// Prebundle the third-party packages of the app without starting the server.
func Optimize(args []string) {
	f := newCommandFlags("optimize")
	force := f.Bool("force", false, "ignore the previous prebundle")
	f.Parse(args)

	config, err := f.loadConfig()
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	config.NoWatch = true
	config.NoPrebundle = false
	logger, err := newLogger(config)
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	defer logger.FlushBuffer()

	if *force {
		if err := os.RemoveAll(config.CacheDirPath()); err != nil {
			os.Stderr.WriteString(term.Red(err.Error()) + "\n")
			os.Exit(1)
		}
	}

	s, err := server.New(config, logger)
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	defer s.Close()

	start := time.Now()
	ret, err := s.Optimize(context.Background())
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		return
	}
	if ret.Skipped {
		fmt.Println(term.Dim("prebundled packages are up to date, use --force to bundle them again"))
	}
	for _, dep := range ret.Deps {
		format := "cjs"
		if dep.ESM {
			format = "esm"
		}
		fmt.Printf("%s %s %s\n", term.Green(dep.Specifier), term.Dim("v"+dep.Version), term.Dim(format))
	}
	for _, warning := range ret.Warnings {
		fmt.Println(term.Yellow("warn: " + warning))
	}
	fmt.Println(term.Dim(fmt.Sprintf("%d packages prebundled to %s in %v", len(ret.Deps), config.CacheDir, time.Since(start).Round(time.Millisecond))))
}
