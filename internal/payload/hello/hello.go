// Package hello provides the hello_child payload: it announces itself on a
// LOG session and then idles until it is stopped.
package hello

import (
	"context"
	"fmt"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/payload"
)

// Name is the image name the payload is registered under.
const Name = "hello_child"

func init() {
	payload.Register(Name, Run)
}

// Run is the payload entry point.
func Run(ctx context.Context, env payload.Env) error {
	sess, err := env.Sessions.OpenSession(ctx, broker.ServiceLog, "")
	if err != nil {
		return fmt.Errorf("open LOG session: %w", err)
	}
	defer sess.Close()

	logSess, ok := sess.(broker.LogSession)
	if !ok {
		return fmt.Errorf("LOG session of type %T does not accept lines", sess)
	}
	if err := logSess.Write(fmt.Sprintf("Hello! I am %s.", env.Label)); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
