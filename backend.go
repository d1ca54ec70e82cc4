package main

import (
	"github.com/Infinibay/backend-sub001/cmd"
)

func main() {
	cmd.Execute()
}
