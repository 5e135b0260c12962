package main

import "github.com/perfwatch/agent/cmd"

func main() {
	cmd.Execute()
}
