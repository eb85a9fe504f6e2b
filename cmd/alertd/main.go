package main

import "token-alerts/internal/cli"

func main() {
	cli.Execute()
}
