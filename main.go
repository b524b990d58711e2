package main

import "github.com/deploymenttheory/go-fvm/cmd"

func main() {
	cmd.Execute()
}
