package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"fleetd/pkg/types"
)

func printStatus(st types.FleetStatus) {
	if st.Profile != "" {
		fmt.Printf("profile: %s\n", st.Profile)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tTIER\tPID\tSTATUS")
	for _, r := range st.Roles {
		pid := "-"
		if r.PID != 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Role, r.Tier, pid, r.Status)
	}
	tw.Flush()
	fmt.Printf("broker: %s\n", reachable(st.BrokerReachable))
	fmt.Printf("datastore: %s\n", reachable(st.DatastoreReachable))
}

func reachable(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}
