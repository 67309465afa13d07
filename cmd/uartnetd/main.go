package main

//go-build: CGO_ENABLED=0

import (
	"flag"

	"github.com/robotalks/uartnet/pkg/bridge"
	fx "github.com/robotalks/uartnet/pkg/framework"
	"github.com/robotalks/uartnet/pkg/status"
)

func init() {
	bridge.SetupFlags()
	status.SetupFlags()
}

func main() {
	flag.Parse()

	b := bridge.NewConfig().MustNewBridge()
	statusConf := status.NewConfig()
	rep := statusConf.MustNewReporter(b)
	loop := fx.NewLoop()
	loop.Interval = statusConf.Interval
	loop.Add(b, rep).RunOrFail()
}
