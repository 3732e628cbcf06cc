package main

import (
	"github.com/maxgio92/cutrace/pkg/cmd"
)

func main() {
	cmd.Execute()
}
