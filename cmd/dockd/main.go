package main

import (
	"fmt"
	"log"
	"os"

	"github.com/docopt/docopt-go"
)

const Version = "0.1.0"

var Out *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
}

const usage = `Dock assignment server.

Configuration is read from DOCKS_* environment variables.

Usage:
    dockd serve [--seed=<file>]
    dockd watch --url=<url> --token=<jwt> [--direction=<direction>]
    dockd token --user=<user_id> [--email=<email>] [--role=<role>] [--ttl=<ttl>]
    dockd tail [--binding=<key>]
    dockd -h | --help
    dockd --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --seed=<file>              YAML file of assignments to create on start.
    --url=<url>                Websocket endpoint, e.g. ws://localhost:8080/api/ws.
    --token=<jwt>              Bearer token for the websocket handshake.
    --direction=<direction>    Only receive IB or OB assignments.
    --user=<user_id>           Subject of the issued token.
    --email=<email>            Email claim.
    --role=<role>              Role claim.
    --ttl=<ttl>                Token lifetime [default: 12h].
    --binding=<key>            AMQP binding key on the docks exchange [default: #].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		exitf("%v", err)
	}

	switch {
	case flag(opts, "serve"):
		err = serve(opts)
	case flag(opts, "watch"):
		err = watch(opts)
	case flag(opts, "token"):
		err = token(opts)
	case flag(opts, "tail"):
		err = tail(opts)
	}
	if err != nil {
		exitf("dockd: %v", err)
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func str(opts docopt.Opts, name string) string {
	v, _ := opts.String(name)
	return v
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
