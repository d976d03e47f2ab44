package main

import (
	"fmt"

	"github.com/huddle-net/huddle/cli"
)

func main() {
	if err := cli.Start(); err != nil {
		fmt.Println(err)
	}
}
