package chain

import "github.com/synaptica-ai/eventchain/pkg/store"

// Assemble joins the transitions of one group from the deepest level back to
// level 0 on patient and the shared level's event, giving rows that span every
// level. transitions[k] pairs level k with level k+1. With no transitions the
// level-0 rows are the chain.
func Assemble(level0 []Row, transitions [][]Row) []Row {
	if len(transitions) == 0 {
		return dedupRows(level0)
	}
	acc := transitions[len(transitions)-1]
	for k := len(transitions) - 2; k >= 0; k-- {
		byHead := make(map[string][]Row)
		for _, r := range acc {
			key := joinKey(r.PatientID(), r.Cells[0])
			byHead[key] = append(byHead[key], r)
		}
		var next []Row
		for _, tr := range transitions[k] {
			for _, tail := range byHead[joinKey(tr.PatientID(), tr.Last())] {
				cells := append([]store.Record{tr.Cells[0]}, tail.Cells...)
				distances := append([]int{tr.Distances[0]}, tail.Distances...)
				next = append(next, Row{First: tr.First, Cells: cells, Distances: distances})
			}
		}
		acc = next
	}
	return dedupRows(acc)
}

func joinKey(patient string, cell store.Record) string {
	return patient + "\x02" + cell.Key()
}
