package main

import "github.com/tunnelgate/tunnelgate/cmd"

func main() {
	cmd.Execute()
}
