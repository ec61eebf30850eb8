package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/kubef-dev/kubef/internal/config"
)

// printStatus prints a table of forwarded resources once ForwardAll
// returns. There's no daemon to query this from later — kubef has no
// persistence across runs — so this is printed synchronously right
// after setup, not served over any query interface.
func printStatus(resources []config.Resource) {
	sorted := make([]config.Resource, len(resources))
	copy(sorted, resources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Alias < sorted[j].Alias })

	w := tabwriter.NewWriter(os.Stdout, 10, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "ALIAS\tNAMESPACE\tPOLICY\tREMOTE\tLOCAL\t\n")
	for _, r := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			r.Alias, r.Namespace, r.EffectivePolicy(), r.Ports.Remote, r.Ports.Local)
	}
}
