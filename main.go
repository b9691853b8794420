package main

import "github.com/nextlevelbuilder/g2/cmd"

func main() {
	cmd.Execute()
}
