package main

import (
	"log"
	"os"

	"github.com/mitchellh/cli"

	"github.com/astrolabe-oss/astrolabe/version"
)

func main() {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	c := cli.NewCLI("astrolabe", version.GetHumanVersion())
	c.Args = os.Args[1:]
	c.Commands = Commands(ui)

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}
	os.Exit(exitStatus)
}
