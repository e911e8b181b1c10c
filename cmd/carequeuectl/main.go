package main

import "carequeue/internal/cli"

func main() {
	cli.Execute()
}
