package main

import "github.com/maftabmirza/remediation-engine-sub000/cmd/remedyd/cmd"

func main() {
	cmd.Execute()
}
