package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/esm-dev/nobuild/server"
	"github.com/ije/gox/term"
)

// Serve the app in development mode.
func Dev(args []string) {
	f := newCommandFlags("dev")
	f.IntVar(&f.port, "port", 0, "port to serve on")
	f.Parse(args)

	config, err := f.loadConfig()
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	logger, err := newLogger(config)
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	defer logger.FlushBuffer()

	s, err := server.New(config, logger)
	if err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		os.Exit(1)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	if err := s.Start(ctx); err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		return
	}
	fmt.Println(term.Green(fmt.Sprintf("nobuild dev server is ready on http://localhost:%d", config.Port)))
	fmt.Println(term.Dim("root: " + config.Root))

	if err := s.ListenAndServe(ctx); err != nil {
		os.Stderr.WriteString(term.Red(err.Error()) + "\n")
		logger.Error(err)
	}
}
