package main

import "github.com/tunecord/tunecord/cmd"

func main() {
	cmd.Execute()
}
