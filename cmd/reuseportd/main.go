// reuseportd spreads UDP datagrams over workers with a reuseport
// dispatcher, and inspects or rescales pinned dispatchers.
package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-reuseport/cmd/reuseportd/cli"
)

func main() {
	c := cli.CLI{Out: os.Stdout}
	kctx := kong.Parse(&c, cli.KongOptions()...)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&c))
}
