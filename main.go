package main

import "github.com/quarry-dl/quarry/cmd"

func main() {
	cmd.Execute()
}
