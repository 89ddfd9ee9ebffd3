package main

import "github.com/nimburion/nimlock/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{Name: "nimlock"}))
}
