package main

import "github.com/jmcleod/tapir/cmd/tapir/cmd"

func main() {
	cmd.Execute()
}
