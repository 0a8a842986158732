package main

import (
	"PowerSched/internal/powerschedd"
)

func main() {
	powerschedd.ParseCmdArgs()
}
