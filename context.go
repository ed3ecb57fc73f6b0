// Package isofsimport is the module root: a couple of small process
// lifecycle helpers shared by the cmd/ entry points. Grounded on the
// teacher's context.go/atexit.go (InterruptibleContext,
// RegisterAtExit/RunAtExit), unchanged in shape since they are
// ambient process-lifecycle utilities independent of any domain.
package isofsimport

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled when the process
// receives SIGINT or SIGTERM, so an in-progress Import can honor
// cancellation (spec §5 "Cancellation").
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
