package main

import "AgentTide/cmd"

func main() {
	cmd.Execute()
}
