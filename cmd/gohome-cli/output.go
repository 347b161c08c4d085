package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(jsonOutput bool) printer {
	return printer{w: os.Stdout, json: jsonOutput}
}

func (p printer) printJSON(value any) {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		fatal("format json", err)
	}
}

// table aligns rows into columns. The first row is the header.
func (p printer) table(rows [][]string) {
	w := tabwriter.NewWriter(p.w, 2, 4, 2, ' ', 0)
	for _, row := range rows {
		io.WriteString(w, strings.Join(row, "\t")+"\n")
	}
	_ = w.Flush()
}
