// Command rtchatd runs the realtime engine of one session and serves it on
// the session's unix socket.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/daemon"
	"github.com/matheus3301/rtchat/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (default $RTCHAT_SESSION, then default_session from config)")
	socketFlag := flag.String("socket", "", "unix socket path (default <session dir>/daemon.sock)")
	startTimeout := flag.Duration("start-timeout", 30*time.Second, "how long startup may take before giving up")
	flag.Parse()

	name := session.Resolve(*sessionFlag)
	if err := session.ValidateName(name); err != nil {
		fail(err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: name, SocketPath: *socketFlag}),
		fx.StartTimeout(*startTimeout),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			fl := &fxevent.ZapLogger{Logger: l.Named("fx")}
			fl.UseLogLevel(zap.DebugLevel)
			return fl
		}),
	)
	if err := app.Err(); err != nil {
		fail(err)
	}
	app.Run()
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "rtchatd: %v\n", err)
	os.Exit(1)
}
