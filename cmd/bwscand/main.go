package main

import (
	rootcmd "github.com/overlaybw/bwscan/cmd"
	"github.com/overlaybw/bwscan/daemon"
)

func main() {
	rootcmd.Run(&daemon.Cmd{}, "bwscand", "Bandwidth scanner for overlay relay networks")
}
