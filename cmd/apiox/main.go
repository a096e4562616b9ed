package main

import "github.com/ox-it/apiox-core/cmd/apiox/cmd"

func main() {
	cmd.Execute()
}
