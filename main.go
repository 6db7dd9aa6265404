package main

import "github.com/jmehdipour/sagaflow/cmd"

func main() {
	cmd.Execute()
}
