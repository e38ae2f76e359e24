package main

import (
	"fmt"

	"github.com/agentmesh/agent-hub/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
