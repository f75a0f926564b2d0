package main

import "soilwatch/internal/cli"

func main() {
	cli.Execute()
}
