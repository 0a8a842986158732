package main

import (
	"PowerSched/internal/powerctl"
)

func main() {
	powerctl.ParseCmdArgs()
}
