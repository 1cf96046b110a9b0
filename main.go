package main

import "github.com/nextlevelbuilder/clawcast/cmd"

func main() {
	cmd.Execute()
}
