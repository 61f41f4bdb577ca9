package main

import "github.com/vietddude/brokerlink/internal/cli"

func main() {
	cli.Execute()
}
