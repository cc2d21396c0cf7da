//go:build !unix

package main

import "context"

// watchResize is a no-op where SIGWINCH does not exist; the size sent at
// start stays in effect.
func watchResize(context.Context, func()) {}
