package main

import "rpcbridge/cmd"

func main() {
	cmd.Execute()
}
