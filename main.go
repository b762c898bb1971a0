package main

import "github.com/fakeyudi/codetime/cmd"

func main() {
	cmd.Execute()
}
