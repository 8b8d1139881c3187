package main

import "savings-alerts/internal/cli"

func main() {
	cli.Execute()
}
