package server

import "embed"

// the browser side of the hmr runtime, served at `/@hmr`
//
//go:embed internal/hmr.js
var efs embed.FS
