package main

import "github.com/humanify/server/internal/cli"

func main() {
	cli.Execute()
}
