package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"cellworld.ai/internal/client"
	"cellworld.ai/internal/client/mirror"
	"cellworld.ai/internal/protocol"
	"cellworld.ai/internal/session"
	"cellworld.ai/internal/sim/geom"
)

type botEnv struct {
	URL      string `env:"URL" envDefault:"ws://localhost:8080/v1/ws"`
	User     string `env:"USER" envDefault:"demo"`
	Password string `env:"PASSWORD"`
	Token    string `env:"TOKEN"`
}

// prop is the bot's stand-in for a rendered object.
type prop struct {
	tag    string
	tf     geom.Transform
	state  []byte
	parent mirror.Object
}

func (p *prop) Release()                       {}
func (p *prop) SetTransform(tf geom.Transform) { p.tf = tf }
func (p *prop) SetState(b []byte)              { p.state = b }
func (p *prop) SetParent(parent mirror.Object) { p.parent = parent }

func propFactory(tag string) mirror.Factory {
	return func(state []byte, tf geom.Transform) (mirror.Object, error) {
		return &prop{tag: tag, tf: tf, state: state}, nil
	}
}

func main() {
	var e botEnv
	if err := env.ParseWithOptions(&e, env.Options{Prefix: "CELLWORLD_BOT_"}); err != nil {
		fmt.Fprintln(os.Stderr, "parse env:", err)
		os.Exit(2)
	}
	var (
		url      = flag.String("url", e.URL, "ws url")
		user     = flag.String("user", e.User, "username")
		password = flag.String("password", e.Password, "password (or CELLWORLD_BOT_PASSWORD)")
		token    = flag.String("token", e.Token, "resume token instead of a password")
		every    = flag.Duration("every", 5*time.Second, "how often to wander")
		radius   = flag.Float64("radius", 32, "half extent of the watched region")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	reg := mirror.NewRegistry()
	for _, tag := range []string{"room", "box", "lamp", "door", "crate", "avatar"} {
		if err := reg.Register(tag, propFactory(tag)); err != nil {
			logger.Fatalf("register %s: %v", tag, err)
		}
	}
	m := mirror.New(reg, logger)

	var mine atomic.Value // cell id of the bot's avatar
	channel := client.Funcs{OnMessage: func(env protocol.Envelope) error {
		switch env.Kind {
		case protocol.KindCellState:
			var cs protocol.CellState
			if err := env.Decode(&cs); err != nil {
				return err
			}
			m.HandleState(cs)
		case protocol.KindEditResult:
			var r protocol.EditResult
			if err := env.Decode(&r); err != nil {
				return err
			}
			if !r.OK {
				logger.Printf("edit %s failed: %s %s", r.RequestID, r.Code, r.Message)
				return nil
			}
			if r.RequestID == "spawn" {
				mine.Store(r.CellID)
				logger.Printf("spawned avatar cell=%s", r.CellID)
			}
		case protocol.KindCellMessage:
			var om protocol.ObjectMessage
			if err := env.Decode(&om); err != nil {
				return err
			}
			logger.Printf("message for %s from %s: %s", om.CellID, om.From, om.Data)
		default:
			return protocol.Unsupported(env.Conn, env.Kind)
		}
		return nil
	}}
	presence := client.Funcs{OnMessage: func(env protocol.Envelope) error {
		var p protocol.Presence
		if err := env.Decode(&p); err != nil {
			return err
		}
		switch env.Kind {
		case protocol.KindPresenceJoin:
			logger.Printf("%s joined", p.Username)
		case protocol.KindPresenceLeave:
			logger.Printf("%s left", p.Username)
		case protocol.KindPresenceUpdate:
		default:
			return protocol.Unsupported(env.Conn, env.Kind)
		}
		return nil
	}}

	sess := client.NewSession(client.Config{
		URL:      *url,
		Username: *user,
		Log:      logger,
		OnError:  func(err error) { logger.Printf("session: %v", err) },
		OnStatus: func(st session.Status) { logger.Printf("status %s", st) },
	})
	for ct, h := range map[protocol.ConnType]client.Handler{
		protocol.ConnCellCache:   m,
		protocol.ConnCellChannel: channel,
		protocol.ConnPresence:    presence,
	} {
		if err := sess.Attach(ct, h); err != nil {
			logger.Fatalf("attach %s: %v", ct, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sess.Login(ctx, client.Credentials{Password: *password, Token: *token}); err != nil {
		var lf *client.LoginFailure
		if errors.As(err, &lf) {
			logger.Fatalf("login failed at %s: %s %s", lf.Stage, lf.Code, lf.Message)
		}
		logger.Fatalf("login: %v", err)
	}
	defer sess.Disconnect()
	logger.Printf("connected session=%s", sess.ID())

	r := *radius
	must(logger, sess.Send(protocol.ConnCellCache, protocol.KindSetRegion, protocol.SetRegion{Region: geom.Box(-r, -r, -r, r, r, r)}))
	must(logger, sess.Send(protocol.ConnCellChannel, protocol.KindCreateCell, protocol.CreateCell{
		RequestID: "spawn",
		TypeTag:   "avatar",
		Transform: geom.Identity(),
		Bounds:    geom.Box(-0.5, 0, -0.5, 0.5, 2, 0.5),
	}))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(*every)
	defer t.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			logger.Printf("session ended")
			return
		case <-t.C:
		}
		id, _ := mine.Load().(string)
		if id == "" {
			continue
		}
		pos := geom.Vec3{X: rng.Float64()*2*r - r, Z: rng.Float64()*2*r - r}
		must(logger, sess.Send(protocol.ConnCellChannel, protocol.KindMoveCell, protocol.MoveCell{
			RequestID: fmt.Sprintf("move-%d", n),
			CellID:    id,
			Transform: geom.At(pos.X, pos.Y, pos.Z),
		}))
		must(logger, sess.Send(protocol.ConnPresence, protocol.KindPresenceUpdate, protocol.Presence{Position: &pos}))
		logger.Printf("mirror cells=%d pending=%d", m.Len(), m.Pending())
	}
}

func must(logger *log.Logger, err error) {
	if err != nil {
		logger.Printf("send: %v", err)
	}
}
