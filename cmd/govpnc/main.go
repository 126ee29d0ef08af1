// govpnc -- VPN concentrator: session lifecycle and admission core.
package main

import "github.com/dantte-lp/govpnc/cmd/govpnc/commands"

func main() {
	commands.Execute()
}
