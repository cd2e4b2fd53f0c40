// Package summary reports learned parameters of a model: a per parameter
// table (CSV) and a per stage parameter count chart.
package summary

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/sugarme/gotch/nn"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/unetseg/base"
)

// Row is one learned parameter.
type Row struct {
	Name  string
	Stage string
	Shape string
	Numel int
}

// Stage returns top level module of a parameter name, e.g. `decode4`
// for `decode4.conv.encoding_block.1.weight`.
func Stage(name string) string {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

// Rows converts parameters to table rows.
func Rows(params []base.Param) []Row {
	rows := make([]Row, len(params))
	for i, p := range params {
		rows[i] = Row{
			Name:  p.Name,
			Stage: Stage(p.Name),
			Shape: fmt.Sprint(p.Shape()),
			Numel: int(p.Numel()),
		}
	}
	return rows
}

// DataFrame builds a dataframe with columns Name, Stage, Shape and Numel.
func DataFrame(params []base.Param) dataframe.DataFrame {
	return dataframe.LoadStructs(Rows(params))
}

// WriteCSV writes the parameter table as CSV with a header line.
func WriteCSV(w io.Writer, params []base.Param) error {
	df := DataFrame(params)
	if df.Err != nil {
		return df.Err
	}
	return df.WriteCSV(w)
}

// StageTotals sums parameter counts per stage in order of first appearance.
func StageTotals(df dataframe.DataFrame) (stages []string, totals []float64) {
	names := df.Col("Stage").Records()
	counts := df.Col("Numel").Float()

	index := make(map[string]int)
	for i, s := range names {
		j, ok := index[s]
		if !ok {
			j = len(stages)
			index[s] = j
			stages = append(stages, s)
			totals = append(totals, 0)
		}
		totals[j] += counts[i]
	}
	return stages, totals
}

// Print writes stage totals and the grand total in a plain text table.
func Print(w io.Writer, params []base.Param) error {
	df := DataFrame(params)
	if df.Err != nil {
		return df.Err
	}

	stages, totals := StageTotals(df)
	var sum float64
	for i, s := range stages {
		if _, err := fmt.Fprintf(w, "%-10v %12.0f\n", s, totals[i]); err != nil {
			return err
		}
		sum += totals[i]
	}
	_, err := fmt.Fprintf(w, "%-10v %12.0f (%v tensors)\n", "total", sum, df.Nrow())
	return err
}

// NewChart plots parameter count per stage as a bar chart.
func NewChart(params []base.Param, title string) (*plot.Plot, error) {
	df := DataFrame(params)
	if df.Err != nil {
		return nil, df.Err
	}
	stages, totals := StageTotals(df)

	p, err := plot.New()
	if err != nil {
		return nil, err
	}
	p.Title.Text = title
	p.Y.Label.Text = "Parameters"

	bars, err := plotter.NewBarChart(plotter.Values(totals), vg.Points(16))
	if err != nil {
		return nil, err
	}
	p.Add(bars)
	p.NominalX(stages...)

	return p, nil
}

// WriteChart renders the stage chart in format (png, svg, pdf...) to w.
func WriteChart(w io.Writer, params []base.Param, title, format string) error {
	p, err := NewChart(params, title)
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveChart renders the stage chart to file; format follows the file extension.
func SaveChart(path string, params []base.Param, title string) error {
	p, err := NewChart(params, title)
	if err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}

// PrintVars prints variables of vs sorted by name.
func PrintVars(w io.Writer, vs *nn.VarStore) error {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vars[n]
		if _, err := fmt.Fprintf(w, "%v \t\t %v\n", n, v.MustSize()); err != nil {
			return err
		}
	}
	return nil
}
