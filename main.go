package main

import "github.com/mdmrelay/mdm-agent/cmd"

func main() {
	cmd.Execute()
}
