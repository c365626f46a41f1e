package osutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context that is cancelled on the first Ctrl+C
// (or SIGTERM), after calling onFirst. A second signal exits right away
// with status 130.
func SignalContext(onFirst func(os.Signal)) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		if onFirst != nil {
			onFirst(sig)
		}
		cancel()
		<-sigs
		os.Exit(130)
	}()

	return ctx
}
