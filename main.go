package main

import "github.com/vietddude/sheetsign/internal/cli"

func main() {
	cli.Execute()
}
