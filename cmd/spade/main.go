package main

import "github.com/raphaelreyna/spade/cmd/spade/cmd"

func main() {
	cmd.Execute()
}
