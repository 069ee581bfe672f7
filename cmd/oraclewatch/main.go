package main

import "oracle-health-alerts/internal/cli"

func main() {
	cli.Execute()
}
