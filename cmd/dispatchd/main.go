package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/shandilyasaurav405/questdb"
)

var config *questdb.Config

func init() {
	configFilePath := flag.String("c", "dispatchd.yaml", "path to configuration file.")
	flag.Parse()
	config = questdb.LoadConfig(*configFilePath)
	initLog(config)
}

func initLog(config *questdb.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil || config.Global.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// connState is the per-connection protocol state the echo workers keep in
// the context tag.
type connState struct {
	authed      bool
	authPending bool
	reply       string
}

func main() {
	log.Info().Msgf("starting dispatchd on %s", config.Server.Listen)
	questdb.RaiseFdLimit(100000)

	listenerFd, err := questdb.Listen(config.Server.Listen, config.Server.Backlog)
	if err != nil {
		log.Fatal().Msgf("can't listen on %s: %+v", config.Server.Listen, err)
	}

	cfg := config.DispatcherConfig(listenerFd)
	cfg.Backend = questdb.NewPollBackend()
	cfg.LockOSThread = true
	cfg.ContextFactory = func(fd int) *questdb.ConnContext {
		ctx := questdb.NewConnContext(fd)
		ctx.Tag = &connState{authed: len(config.Users) == 0}
		return ctx
	}
	dispatcher, err := questdb.NewDispatcher(cfg)
	if err != nil {
		log.Fatal().Msgf("can't init dispatcher: %+v", err)
	}

	var gate *questdb.AuthGate
	if len(config.Users) > 0 {
		gate, err = questdb.NewAuthGate(config.Users, time.Duration(config.Server.AuthTimeoutMs)*time.Millisecond, nil)
		if err != nil {
			log.Fatal().Msgf("can't init auth gate: %+v", err)
		}
		defer gate.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := questdb.NewWorkerPool(config.Server.Workers)
	pool.Start(ctx, dispatcher, echoHandler(gate))

	dispatcher.Run(ctx)
	pool.Stop()
	dispatcher.Close()
}

// echoHandler echoes lines back to the client. When an auth gate is
// configured the first line must be "user password"; the connection is
// suspended while the gate verifies it and resumes on write-readiness to
// deliver the verdict.
func echoHandler(gate *questdb.AuthGate) questdb.Handler {
	return func(d *questdb.Dispatcher, operation int32, ctx *questdb.ConnContext) {
		state := ctx.Tag.(*connState)

		if operation&(questdb.OpRead|questdb.OpWrite) == 0 {
			// bare timeout
			disconnect(d, ctx)
			return
		}

		if operation&questdb.OpWrite != 0 {
			if state.authPending {
				state.authPending = false
				if ctx.Authorized() {
					state.authed = true
					state.reply = "+OK\n"
				} else {
					writeAll(ctx.Fd(), "-DENIED\n")
					disconnect(d, ctx)
					return
				}
			}
			writeAll(ctx.Fd(), state.reply)
			state.reply = ""
			register(d, ctx, questdb.OpRead)
			return
		}

		var buf [4096]byte
		n, err := unix.Read(ctx.Fd(), buf[:])
		if n <= 0 || err != nil {
			disconnect(d, ctx)
			return
		}
		line := string(buf[:n])

		if gate != nil && !state.authed {
			if state.authPending {
				// more data while the verdict is still outstanding
				register(d, ctx, questdb.OpWrite)
				return
			}
			user, secret, _ := strings.Cut(strings.TrimSpace(line), " ")
			state.authPending = true
			gate.Begin(ctx, user, secret)
			register(d, ctx, questdb.OpWrite)
			return
		}

		state.reply = line
		register(d, ctx, questdb.OpWrite)
	}
}

func register(d *questdb.Dispatcher, ctx *questdb.ConnContext, operation int32) {
	if err := d.Register(ctx, operation); err != nil {
		log.Error().Msgf("[%d] can't re-register connection: %+v", ctx.Fd(), err)
		disconnect(d, ctx)
	}
}

func disconnect(d *questdb.Dispatcher, ctx *questdb.ConnContext) {
	if err := d.Disconnect(ctx); err != nil {
		// interest queue saturated; close in place as a last resort
		log.Error().Msgf("[%d] can't schedule disconnect: %+v", ctx.Fd(), err)
		unix.Close(ctx.Fd())
	}
}

func writeAll(fd int, s string) {
	data := []byte(s)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		data = data[n:]
	}
}
