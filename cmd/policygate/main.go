// Command policygate runs the PolicyGate policy enforcement gateway.
package main

import "github.com/policygate/gateway/cmd/policygate/cmd"

func main() {
	cmd.Execute()
}
