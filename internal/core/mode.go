// Package core is the orchestration layer.  It turns a Config into one
// of the two operational modes and runs it.
//
// Architecture layers (bottom → top):
//
//	transport / tunnel  →  relay  →  core  →  cmd (CLI)
package core

import "context"

// Mode represents a complete operational mode of echorelay (listen or
// connect).  Each mode owns its full lifecycle from setup to teardown
// and returns when ctx is cancelled or its work is done.
type Mode interface {
	Run(ctx context.Context) error
}
