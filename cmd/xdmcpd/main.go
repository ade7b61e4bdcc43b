// xdmcpd -- XDMCP manager daemon (X Display Manager Control Protocol).
package main

import (
	"os"

	"github.com/dantte-lp/xdmcpd/cmd/xdmcpd/commands"
)

func main() {
	os.Exit(commands.Execute())
}
