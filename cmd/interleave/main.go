package main

import "github.com/amirkhaki/interleave/cmd/interleave/cmd"

func main() {
	cmd.Execute()
}
