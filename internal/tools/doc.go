// Package tools resolves which CLI tools an execution may use.
//
// Three lists feed the decision: the deployment allow-list, the deployment
// deny-list, and the allow-list a request asks for. Each may be absent. The
// result is a Set that is either unrestricted (no --allowedTools flag at all)
// or explicit, possibly empty:
//
//	set := tools.Resolve(tools.Policy{
//	    DeploymentAllowed: []string{"Read", "Write", "Bash"},
//	    DeploymentDenied:  []string{"Bash"},
//	    RequestAllowed:    []string{"Bash", "Read"},
//	})
//	// set.Names() == []string{"Read"}
//
// Denied tools never appear in an explicit set, whatever the request asks.
package tools
