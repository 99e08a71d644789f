package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/carechat/internal/daemon"
	"github.com/matheus3301/carechat/internal/paths"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.carechat/config.toml)")
	serveRemote := flag.String("serve-remote", "", "host an in-process remote store at this address, e.g. 127.0.0.1:8420")
	flag.Parse()

	profile := paths.Resolve(*profileFlag)
	if err := paths.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:     profile,
			ConfigPath:  *configFlag,
			ServeRemote: *serveRemote,
		}),
	)

	app.Run()
}
