//go:build tools
// +build tools

// Package tools pins developer-tooling dependencies so `go mod tidy` does
// not drop them; none of these are imported by any buildable package.
package tools

import (
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/godoc"
	_ "honnef.co/go/tools/cmd/staticcheck"
)
