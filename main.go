package main

import "tasksync/cmd"

func main() {
	cmd.Run()
}
