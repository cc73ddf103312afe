package main

import "voidwarp/cli"

func main() {
	cli.Execute()
}
