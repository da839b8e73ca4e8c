package main

import "github.com/aegisnet/aegis/cmd"

func main() {
	cmd.Execute()
}
