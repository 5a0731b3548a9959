package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&migrateCmd{}, "")

	flag.Parse()
	// No subcommand means serve, so the container entrypoint stays bare.
	if flag.NArg() == 0 {
		cmd := &serveCmd{}
		fs := flag.NewFlagSet(cmd.Name(), flag.ExitOnError)
		cmd.SetFlags(fs)
		os.Exit(int(cmd.Execute(context.Background(), fs)))
	}
	os.Exit(int(commander.Execute(context.Background())))
}
