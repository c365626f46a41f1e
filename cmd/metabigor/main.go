package main

import (
	"log/slog"
	"os"

	"metabigor/cmd/metabigor/commands"
	"metabigor/lib/osutil"
)

func main() {
	ctx := osutil.SignalContext(func(sig os.Signal) {
		slog.Warn("interrupted, stopping after the current request (again to quit now)", "signal", sig.String())
	})
	commands.ExecuteContext(ctx)
}
