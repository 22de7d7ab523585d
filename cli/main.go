package main

import "southwinds.dev/tenantvault/cli/cmd"

func main() {
	cmd.Execute()
}
