package main

import "github.com/doma-engineering/goo-1.14/cmd"

func main() {
	cmd.Execute()
}
