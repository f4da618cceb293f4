package main

import "github.com/ukrobotics/dispenselib/cmd/d2ctl/cmd"

func main() {
	cmd.Execute()
}
