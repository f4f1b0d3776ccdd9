package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loqui-im/loqui/internal/app"
	"github.com/loqui-im/loqui/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fx.New(
		app.Module(app.Params{SessionName: sessionName}),
	).Run()
}
